package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/royale-project/royale/internal/config"
)

type countingReloader struct {
	calls atomic.Int32
	full  atomic.Bool
	err   error
}

func (r *countingReloader) ReloadCharts(full bool) (int, error) {
	r.calls.Add(1)
	if full {
		r.full.Store(true)
	}
	return 1, r.err
}

func TestNewSchedulerUsesConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Timers.CatalogueRescanSec = 42
	cfg.Logging.Directory = "some/logs"
	cfg.Logging.MaxBackups = 3

	s := NewScheduler(cfg, &countingReloader{})
	assert.Equal(t, 42*time.Second, s.rescanEvery)
	assert.Equal(t, "some/logs", s.logDir)
	assert.Equal(t, 3, s.logBackups)
	assert.Equal(t, logCleanInterval, s.logCleanEvery)
}

func TestRescanRunsIncrementally(t *testing.T) {
	r := &countingReloader{}
	s := &Scheduler{reloader: r, rescanEvery: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(stopped)
	}()

	assert.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, r.full.Load())
}

func TestRescanErrorIsNotFatal(t *testing.T) {
	r := &countingReloader{err: errors.New("disk gone")}
	s := &Scheduler{reloader: r}
	s.rescanCatalogue()
	s.rescanCatalogue()
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestDisabledTasksDoNotBlockStop(t *testing.T) {
	s := &Scheduler{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestCleanLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"royale_2024-01-01.log",
		"royale_2024-01-02.log",
		"royale_2024-01-03.log",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	s := &Scheduler{logDir: dir, logBackups: 1}
	s.cleanLogs()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"royale_2024-01-03.log", "notes.txt"}, names)
}
