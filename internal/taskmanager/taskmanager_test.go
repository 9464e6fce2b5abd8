package taskmanager

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	t.Cleanup(log.Sync)
	return log
}

func TestManager_StartRunsWork(t *testing.T) {
	m := New(1, mustTestLogger(t))
	var ran atomic.Bool

	err := m.Start(context.Background(), 1, func(cancel *atomic.Bool) {
		ran.Store(true)
	})
	require.NoError(t, err)
	m.Wait(1)
	require.True(t, ran.Load())
}

func TestManager_CancelDuringAdmissionWaitIsHonored(t *testing.T) {
	m := New(1, mustTestLogger(t))
	var blocking, secondRan atomic.Bool

	blockCh := make(chan struct{})
	require.NoError(t, m.Start(context.Background(), 1, func(cancel *atomic.Bool) {
		blocking.Store(true)
		<-blockCh
	}))

	cancelFlag := m.CreateCancelFlag(2)
	cancelFlag.Store(true)

	startErr := make(chan error, 1)
	go func() {
		startErr <- m.Start(context.Background(), 2, func(cancel *atomic.Bool) {
			secondRan.Store(true)
		})
	}()

	close(blockCh)
	m.Wait(1)
	require.NoError(t, <-startErr)
	m.Wait(2)

	require.False(t, secondRan.Load())
}

func TestManager_CancelSetsFlag(t *testing.T) {
	m := New(4, mustTestLogger(t))
	flag := m.CreateCancelFlag(5)
	require.False(t, flag.Load())
	m.Cancel(5)
	require.True(t, flag.Load())
}
