package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStep_ShouldSkip_IsUpdate(t *testing.T) {
	step := Step{SkipIf: &SkipPredicate{Key: "is_update", Value: "true"}}
	require.True(t, step.ShouldSkip(&BuildRequest{IsUpdate: true}))
	require.False(t, step.ShouldSkip(&BuildRequest{IsUpdate: false}))
}

func TestStep_ShouldSkip_TargetOS(t *testing.T) {
	// spec.md §9's open question: the source only consults is_update, but
	// the spec requires accepting target_os too.
	step := Step{SkipIf: &SkipPredicate{Key: "target_os", Value: "windows"}}
	require.True(t, step.ShouldSkip(&BuildRequest{Platform: "windows"}))
	require.False(t, step.ShouldSkip(&BuildRequest{Platform: "macos"}))
}

func TestStep_ShouldSkip_UnrecognizedKeyNeverSkips(t *testing.T) {
	step := Step{SkipIf: &SkipPredicate{Key: "bogus_key", Value: "true"}}
	require.False(t, step.ShouldSkip(&BuildRequest{}))
}

func TestStep_ShouldSkip_NoPredicateNeverSkips(t *testing.T) {
	step := Step{}
	require.False(t, step.ShouldSkip(&BuildRequest{}))
	require.False(t, step.ShouldSkip(nil))
}

func TestPlatformCapability_OutputDir_Default(t *testing.T) {
	plat := PlatformCapability{Name: "macos"}
	require.Equal(t, "out/Release_arm64", plat.OutputDir("arm64", false, false))
	require.Equal(t, "out/Release", plat.OutputDir("", false, false))
}

func TestPlatformCapability_OutputDir_Debug(t *testing.T) {
	plat := PlatformCapability{Name: "macos"}
	require.Equal(t, "out/Debug_x64", plat.OutputDir("x64", false, true))

	defaultDebug := PlatformCapability{Name: "linux", IsDebugDefault: true}
	require.Equal(t, "out/Debug", defaultDebug.OutputDir("", false, false))
}

func TestPlatformCapability_OutputDir_WindowsRelease64Override(t *testing.T) {
	plat := PlatformCapability{Name: "windows", ReleaseAltX64Dir: "out/Release64"}
	// is_x64 && !is_debug && arch=x64 selects the legacy layout.
	require.Equal(t, "out/Release64", plat.OutputDir("x64", true, false))
}

func TestPlatformCapability_OutputDir_WindowsRelease64OverrideDoesNotApply(t *testing.T) {
	plat := PlatformCapability{Name: "windows", ReleaseAltX64Dir: "out/Release64"}
	// Debug builds, non-x64 architectures, and is_x64=false all fall
	// through to the standard out/Release_<arch> derivation.
	require.Equal(t, "out/Debug_x64", plat.OutputDir("x64", true, true))
	require.Equal(t, "out/Release_arm64", plat.OutputDir("arm64", true, false))
	require.Equal(t, "out/Release_x64", plat.OutputDir("x64", false, false))
}

func TestPlatformCapability_OutputDir_NoOverrideConfigured(t *testing.T) {
	plat := PlatformCapability{Name: "windows"}
	require.Equal(t, "out/Release_x64", plat.OutputDir("x64", true, false))
}

func TestPlatformCapability_ShellCommand(t *testing.T) {
	win := PlatformCapability{ShellPath: "cmd.exe", ShellFlag: "/c"}
	path, args := win.ShellCommand("gn gen out/Release")
	require.Equal(t, "cmd.exe", path)
	require.Equal(t, []string{"/c", "gn gen out/Release"}, args)

	unix := PlatformCapability{ShellPath: "/bin/sh", ShellFlag: "-c"}
	path, args = unix.ShellCommand("ninja -C out/Release chrome")
	require.Equal(t, "/bin/sh", path)
	require.Equal(t, []string{"-c", "ninja -C out/Release chrome"}, args)
}
