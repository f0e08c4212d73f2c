package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/treesync/internal/localfs"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

func TestDebouncer_CollapsesBurst(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var calls atomic.Int32

	d := NewDebouncer(clock, time.Second, 10*time.Second, func() { calls.Add(1) })

	d.Notify()
	clock.Advance(500 * time.Millisecond)
	d.Notify()
	clock.Advance(500 * time.Millisecond)
	d.Notify()

	assert.Zero(t, calls.Load())

	clock.Advance(time.Second)
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })

	clock.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDebouncer_MaxDelayBoundsContinuousActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var calls atomic.Int32

	d := NewDebouncer(clock, time.Second, 3*time.Second, func() { calls.Add(1) })

	for range 4 {
		d.Notify()
		clock.Advance(800 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })
}

func TestDebouncer_StopCancelsPendingCall(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var calls atomic.Int32

	d := NewDebouncer(clock, time.Second, 10*time.Second, func() { calls.Add(1) })

	d.Notify()
	d.Stop()
	clock.Advance(time.Minute)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

// watched starts a watcher on a fresh directory with a short quiet
// period and returns the directory and the trigger counter.
func watched(t *testing.T, allow func(string) bool) (string, *atomic.Int32) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "private"), 0o755))

	var triggers atomic.Int32

	w := New(Config{
		Dir:      dir,
		Allow:    allow,
		Trigger:  func() { triggers.Add(1) },
		Quiet:    50 * time.Millisecond,
		MaxDelay: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- w.Watch(ctx) }()

	// Give fsnotify a moment to set up watches.
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		cancel()

		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("watcher error: %v", err)
		}
	})

	return dir, &triggers
}

func TestWatch_FileWriteTriggers(t *testing.T) {
	dir, triggers := watched(t, nil)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes", "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes", "b.txt"), []byte("b"), 0o644))

	waitFor(t, 2*time.Second, func() bool { return triggers.Load() >= 1 })
}

func TestWatch_NewDirectoryIsWatched(t *testing.T) {
	dir, triggers := watched(t, nil)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "fresh"), 0o755))
	waitFor(t, 2*time.Second, func() bool { return triggers.Load() >= 1 })

	before := triggers.Load()

	// Let the directory watch settle before writing inside it.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fresh", "x.txt"), []byte("x"), 0o644))

	waitFor(t, 2*time.Second, func() bool { return triggers.Load() > before })
}

func TestWatch_IgnoresFilteredAndPartialPaths(t *testing.T) {
	dir, triggers := watched(t, func(rel string) bool {
		return rel != "private" && !strings.HasPrefix(rel, "private/")
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "private", "secret.txt"), []byte("s"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes", localfs.PartialPrefix+"123"), []byte("p"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, triggers.Load())
}
