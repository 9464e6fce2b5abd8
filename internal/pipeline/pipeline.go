// Package pipeline implements the Pipeline Executor (spec.md §4.4, component
// C4): interprets a Task's configured step list, advances its lifecycle
// state, invokes the Subprocess Runner and Log Broker, and hands terminal
// transitions back to the Server Queue Controller as messages rather than
// direct calls (spec.md §9's cyclic-reference note). Grounded on the
// teacher's runtime.Context job-execution lifecycle (internal/jobs/runtime)
// for the Progress/Fail/Succeed shape, generalized from a single job step to
// a multi-step build pipeline.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ccjuuc/chromium-tool/internal/broker"
	"github.com/ccjuuc/chromium-tool/internal/config"
	"github.com/ccjuuc/chromium-tool/internal/domain"
	"github.com/ccjuuc/chromium-tool/internal/errs"
	"github.com/ccjuuc/chromium-tool/internal/platform/dbctx"
	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
	"github.com/ccjuuc/chromium-tool/internal/repos"
	"github.com/ccjuuc/chromium-tool/internal/runner"
)

// TerminalEvent is posted once a task's pipeline run reaches a terminal
// state. The Server Queue Controller drains these to decide whether to
// promote the next pending task on the server.
type TerminalEvent struct {
	Server       string
	TaskID       int64
	WasCancelled bool
}

// Notifier decouples C4 from C6: the executor never calls back into the
// controller directly, it only posts messages (spec.md §9).
type Notifier interface {
	TerminalReached(evt TerminalEvent)
	ArmCombine(parentID int64, server string)
}

// Executor runs a single task's step list to completion, failure, or
// cancellation. One Executor is shared across all tasks; a run's state lives
// entirely in the parameters passed to Execute.
type Executor struct {
	repo     repos.TaskRepo
	broker   *broker.Broker
	cfg      *config.Config
	notifier Notifier
	log      *logger.Logger

	// runSubprocess is swappable in tests.
	runSubprocess func(cmd string, argv []string, cwd string, cancel *atomic.Bool, sink runner.LineSink) (*runner.Result, error)
}

func New(repo repos.TaskRepo, b *broker.Broker, cfg *config.Config, notifier Notifier, baseLog *logger.Logger) *Executor {
	return &Executor{
		repo:          repo,
		broker:        b,
		cfg:           cfg,
		notifier:      notifier,
		log:           baseLog.With("component", "PipelineExecutor"),
		runSubprocess: runner.Run,
	}
}

// Execute runs task's configured step list. It is intended to be called from
// within the Task Manager's admission-bounded goroutine; cancel is the
// shared cooperative flag.
func (e *Executor) Execute(task *domain.Task, req *domain.BuildRequest, cancel *atomic.Bool) {
	c := dbctx.Context{Ctx: context.Background()}
	plat := e.cfg.Capability(task.Platform)
	steps := e.cfg.StepsFor(task.Platform, task.Architecture)

	for _, step := range steps {
		if cancel.Load() {
			e.terminateCancelled(c, task)
			return
		}

		if task.IsParent() && step.Kind != domain.StepCombine && step.Kind != domain.StepBackup {
			// A parent has no pipeline steps of its own except, on macOS, the
			// combine step and the backup that follows it (spec.md §3
			// GLOSSARY "Parent / child"); the source update/clean/generate/
			// compile/installer entries in the shared configured step list
			// belong to its children.
			continue
		}

		if step.ShouldSkip(req) {
			e.log.Info("step skipped by predicate", "task_id", task.ID, "step", step.Name)
			continue
		}

		if step.Kind == domain.StepInstaller && e.shouldSkipInstallerForMacChild(c, task, plat) {
			e.log.Info("installer deferred to parent combine", "task_id", task.ID)
			continue
		}

		if step.Kind == domain.StepCombine && !task.IsParent() {
			// Combining is only reachable on a parent task (spec.md §3); a
			// fan-in child's configured step list shares the combine entry
			// declaratively but never executes it itself.
			continue
		}

		if step.State != "" {
			if err := e.repo.UpdateState(c, task.ID, step.State, ""); err != nil {
				e.terminateFailed(c, task, err)
				return
			}
			task.State = step.State
		}

		err := e.runStep(c, task, req, step, plat, cancel)
		if err != nil {
			switch {
			case errs.Is(err, errs.KindSkip):
				e.log.Info("step skipped (unknown target)", "task_id", task.ID, "step", step.Name)
			case errs.Is(err, errs.KindCancelled):
				e.terminateCancelled(c, task)
				return
			default:
				e.terminateFailed(c, task, err)
				return
			}
		}

		if step.State == domain.StateBuildingChrome {
			e.maybeArmParentCombine(c, task, plat)
		}
	}

	e.terminateSuccess(c, task)
}

func (e *Executor) runStep(c dbctx.Context, task *domain.Task, req *domain.BuildRequest, step domain.Step, plat domain.PlatformCapability, cancel *atomic.Bool) error {
	switch step.Kind {
	case domain.StepGit:
		return e.runGit(c, task, req, step, cancel)
	case domain.StepClean:
		return e.runClean(task, req, plat)
	case domain.StepGnGen:
		return e.runGnGen(c, task, req, plat, cancel)
	case domain.StepNinja:
		return e.runNinja(c, task, req, step, plat, cancel)
	case domain.StepInstaller:
		return e.runInstaller(c, task, req, plat, cancel)
	case domain.StepCombine:
		return e.runCombine(c, task, req, plat, cancel)
	case domain.StepBackup:
		return e.runBackup(task)
	default:
		return errs.Subprocess("run_step", fmt.Errorf("unrecognized step kind %q", step.Kind))
	}
}

func (e *Executor) sourceDir(task *domain.Task) string {
	return filepath.Join(e.cfg.SourceRoot, task.Platform)
}

func (e *Executor) outputDir(task *domain.Task, req *domain.BuildRequest, plat domain.PlatformCapability) string {
	isDebug := len(plat.GnGenDefaultArgs) > 0 && containsArg(plat.GnGenDefaultArgs, "is_debug=true")
	return filepath.Join(e.sourceDir(task), plat.OutputDir(task.Architecture, req.IsX64, isDebug))
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if strings.TrimSpace(a) == want {
			return true
		}
	}
	return false
}

func (e *Executor) lineSink(c dbctx.Context, taskID int64) runner.LineSink {
	return func(line string, stream runner.Stream, isProgress bool) {
		e.broker.Publish(taskID, line, isProgress)
		if isProgress {
			return
		}
		if err := e.repo.AppendLog(c, taskID, line); err != nil {
			e.log.Warn("append_log failed", "task_id", taskID, "err", err)
		}
	}
}

// --- git ---

func (e *Executor) runGit(c dbctx.Context, task *domain.Task, req *domain.BuildRequest, step domain.Step, cancel *atomic.Bool) error {
	switch step.Target {
	case "get_commit_id":
		return e.runGitGetCommitID(c, task, cancel)
	default:
		return e.runGitUpdate(c, task, req, cancel)
	}
}

func (e *Executor) runGitUpdate(c dbctx.Context, task *domain.Task, req *domain.BuildRequest, cancel *atomic.Bool) error {
	cwd := e.sourceDir(task)
	sink := e.lineSink(c, task.ID)

	if err := e.gitSub(cwd, []string{"stash"}, cancel, sink); err != nil {
		return err
	}
	if req.CommitID != "" {
		if err := e.gitSub(cwd, []string{"checkout", req.CommitID}, cancel, sink); err != nil {
			return err
		}
	}
	if err := e.gitSub(cwd, []string{"checkout", req.Branch}, cancel, sink); err != nil {
		return err
	}

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		perr := e.gitSub(cwd, []string{"pull"}, cancel, sink)
		if perr != nil && errs.Is(perr, errs.KindCancelled) {
			return struct{}{}, backoff.Permanent(perr)
		}
		return struct{}{}, perr
	}, backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)), backoff.WithMaxTries(3))
	return err
}

func (e *Executor) gitSub(cwd string, argv []string, cancel *atomic.Bool, sink runner.LineSink) error {
	res, err := e.runSubprocess("git", argv, cwd, cancel, sink)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case runner.OutcomeSuccess:
		return nil
	case runner.OutcomeSkip:
		return errs.Skip("git_" + strings.Join(argv, "_"))
	case runner.OutcomeCancelled:
		return errs.Cancelled("git_" + strings.Join(argv, "_"))
	default:
		return errs.Subprocess("git_"+strings.Join(argv, "_"), fmt.Errorf("exit %d: %s", res.ExitCode, res.StderrTail))
	}
}

func (e *Executor) runGitGetCommitID(c dbctx.Context, task *domain.Task, cancel *atomic.Bool) error {
	var out strings.Builder
	sink := func(line string, stream runner.Stream, isProgress bool) {
		if stream == runner.Stdout {
			out.WriteString(strings.TrimSpace(line))
		}
		e.broker.Publish(task.ID, line, isProgress)
	}
	res, err := e.runSubprocess("git", []string{"rev-parse", "HEAD"}, e.sourceDir(task), cancel, sink)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case runner.OutcomeCancelled:
		return errs.Cancelled("git_get_commit_id")
	case runner.OutcomeFailed:
		return errs.Subprocess("git_get_commit_id", fmt.Errorf("exit %d: %s", res.ExitCode, res.StderrTail))
	}
	commit := strings.TrimSpace(out.String())
	if commit == "" {
		return nil
	}
	if err := e.repo.UpdateFamilyCommit(c, task.ID, commit); err != nil {
		return err
	}
	task.CommitID = commit
	return nil
}

// --- clean ---

func (e *Executor) runClean(task *domain.Task, req *domain.BuildRequest, plat domain.PlatformCapability) error {
	outDir := e.outputDir(task, req, plat)
	if !req.IsIncrement {
		if err := os.RemoveAll(outDir); err != nil {
			return errs.Subprocess("clean_output_dir", err)
		}
	}
	pc, ok := e.cfg.Platforms[task.Platform]
	if !ok {
		return nil
	}
	for _, p := range pc.CleanPaths.Path {
		_ = os.RemoveAll(filepath.Join(e.sourceDir(task), p))
	}
	for _, p := range pc.CleanPaths.OutPath {
		_ = os.RemoveAll(filepath.Join(outDir, p))
	}
	return nil
}

// --- gn_gen ---

func (e *Executor) runGnGen(c dbctx.Context, task *domain.Task, req *domain.BuildRequest, plat domain.PlatformCapability, cancel *atomic.Bool) error {
	outDir := e.outputDir(task, req, plat)
	args := append([]string{}, plat.GnGenDefaultArgs...)
	args = append(args, fmt.Sprintf("target_cpu=%q", task.Architecture))
	args = append(args, req.CustomArgs...)

	cmdStr := fmt.Sprintf("gn gen %s --args=%q", outDir, strings.Join(args, " "))
	shellPath, shellArgs := plat.ShellCommand(cmdStr)

	res, err := e.runSubprocess(shellPath, shellArgs, e.sourceDir(task), cancel, e.lineSink(c, task.ID))
	if err != nil {
		return err
	}
	return e.classify("gn_gen", res)
}

// --- ninja ---

func (e *Executor) runNinja(c dbctx.Context, task *domain.Task, req *domain.BuildRequest, step domain.Step, plat domain.PlatformCapability, cancel *atomic.Bool) error {
	outDir := e.outputDir(task, req, plat)
	argv := []string{"-C", outDir}
	if step.Target != "" {
		argv = append(argv, step.Target)
	}
	res, err := e.runSubprocess("ninja", argv, e.sourceDir(task), cancel, e.lineSink(c, task.ID))
	if err != nil {
		return err
	}
	return e.classify("ninja", res)
}

// --- installer ---

func (e *Executor) shouldSkipInstallerForMacChild(c dbctx.Context, task *domain.Task, plat domain.PlatformCapability) bool {
	if !plat.HasCombine || task.ParentID == nil {
		return false
	}
	siblings, err := e.repo.Children(c, *task.ParentID)
	if err != nil {
		return false
	}
	return len(siblings) >= 2
}

func (e *Executor) runInstaller(c dbctx.Context, task *domain.Task, req *domain.BuildRequest, plat domain.PlatformCapability, cancel *atomic.Bool) error {
	outDir := e.outputDir(task, req, plat)
	res, err := e.runSubprocess("ninja", []string{"-C", outDir, plat.InstallerTarget}, e.sourceDir(task), cancel, e.lineSink(c, task.ID))
	if err != nil {
		return err
	}
	if err := e.classify("installer", res); err != nil {
		return err
	}
	task.Installer = filepath.Join(outDir, plat.InstallerTarget)
	return nil
}

// --- combine (macOS parent only) ---

func (e *Executor) runCombine(c dbctx.Context, task *domain.Task, req *domain.BuildRequest, plat domain.PlatformCapability, cancel *atomic.Bool) error {
	ready, err := e.repo.AllChildrenPastChrome(c, task.ID)
	if err != nil {
		return err
	}
	if !ready {
		// The controller is only supposed to schedule combine once the last
		// child has crossed the threshold; this is a defensive short poll
		// against races in that handoff.
		for i := 0; i < 10 && !ready; i++ {
			time.Sleep(200 * time.Millisecond)
			ready, err = e.repo.AllChildrenPastChrome(c, task.ID)
			if err != nil {
				return err
			}
		}
		if !ready {
			return errs.Subprocess("combine", fmt.Errorf("children not past building_chrome"))
		}
	}

	children, err := e.repo.Children(c, task.ID)
	if err != nil {
		return err
	}

	universalDir := e.outputDir(task, req, plat)
	if err := os.MkdirAll(universalDir, 0o755); err != nil {
		return errs.Subprocess("combine_mkdir", err)
	}

	binaries := make([]string, 0, len(children))
	for _, ch := range children {
		binaries = append(binaries, filepath.Join(e.outputDir(ch, req, plat), plat.Name))
	}
	lipoArgs := append([]string{"-create", "-output", filepath.Join(universalDir, plat.Name)}, binaries...)
	res, err := e.runSubprocess("lipo", lipoArgs, e.sourceDir(task), cancel, e.lineSink(c, task.ID))
	if err != nil {
		return err
	}
	if err := e.classify("combine_lipo", res); err != nil {
		return err
	}

	if len(children) > 0 {
		if err := copyResources(e.outputDir(children[0], req, plat), universalDir); err != nil {
			return errs.Subprocess("combine_copy_resources", err)
		}
	}

	if err := e.repo.UpdateState(c, task.ID, domain.StateBuildingInstaller, ""); err != nil {
		return err
	}
	task.State = domain.StateBuildingInstaller

	return e.runInstaller(c, task, req, plat, cancel)
}

func copyResources(srcDir, dstDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(srcDir, ent.Name()), filepath.Join(dstDir, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// --- backup ---

func (e *Executor) runBackup(task *domain.Task) error {
	if task.Installer == "" {
		return nil
	}
	dest := filepath.Join(e.cfg.BackupRoot, task.Platform, filepath.Base(task.Installer))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.Subprocess("backup_mkdir", err)
	}
	if err := copyFile(task.Installer, dest); err != nil {
		return errs.Subprocess("backup_copy", err)
	}
	task.StoragePath = dest
	return nil
}

// --- fan-in ---

func (e *Executor) maybeArmParentCombine(c dbctx.Context, task *domain.Task, plat domain.PlatformCapability) {
	if !plat.HasCombine || task.ParentID == nil {
		return
	}
	ready, err := e.repo.AllChildrenPastChrome(c, *task.ParentID)
	if err != nil || !ready {
		return
	}
	e.notifier.ArmCombine(*task.ParentID, task.Server)
}

func (e *Executor) classify(op string, res *runner.Result) error {
	switch res.Outcome {
	case runner.OutcomeSuccess:
		return nil
	case runner.OutcomeSkip:
		return errs.Skip(op)
	case runner.OutcomeCancelled:
		return errs.Cancelled(op)
	default:
		return errs.Subprocess(op, fmt.Errorf("exit %d: %s", res.ExitCode, res.StderrTail))
	}
}

// --- terminal transitions ---

func (e *Executor) terminateSuccess(c dbctx.Context, task *domain.Task) {
	if err := e.repo.UpdateCompletion(c, task.ID, time.Now(), task.StoragePath, task.Installer); err != nil {
		e.log.Error("update_completion failed", "task_id", task.ID, "err", err)
	}
	e.notifier.TerminalReached(TerminalEvent{Server: task.Server, TaskID: task.ID, WasCancelled: false})
}

func (e *Executor) terminateFailed(c dbctx.Context, task *domain.Task, cause error) {
	e.log.Error("pipeline step failed", "task_id", task.ID, "err", cause)
	_ = e.repo.AppendLog(c, task.ID, "FAILED: "+cause.Error())
	if err := e.repo.UpdateState(c, task.ID, domain.StateFailed, ""); err != nil {
		e.log.Error("update_state to failed errored", "task_id", task.ID, "err", err)
	}
	e.notifier.TerminalReached(TerminalEvent{Server: task.Server, TaskID: task.ID, WasCancelled: false})
}

func (e *Executor) terminateCancelled(c dbctx.Context, task *domain.Task) {
	if err := e.repo.UpdateState(c, task.ID, domain.StateCancelled, ""); err != nil {
		e.log.Error("update_state to cancelled errored", "task_id", task.ID, "err", err)
	}
	e.notifier.TerminalReached(TerminalEvent{Server: task.Server, TaskID: task.ID, WasCancelled: true})
}
