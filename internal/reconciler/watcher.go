package reconciler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/dshills/depcontext/internal/manifest"
)

// DefaultDebounce is how long the watcher waits for manifest writes to settle
const DefaultDebounce = 2 * time.Second

var (
	// ErrWatcherStarted is returned when Start is called twice
	ErrWatcherStarted = errors.New("watcher already started")
	// ErrBusy tells the watcher the index was held by another run. The run
	// is tried again after the debounce interval so the change is not lost.
	ErrBusy = errors.New("index busy")
)

// RunFunc is one reconciliation triggered by the watcher. Returning an
// error that wraps ErrBusy re-arms the run.
type RunFunc func(ctx context.Context) error

// Watcher runs a reconciliation after manifest or lockfile changes.
// Bursts of events are debounced, runs never overlap, and events that arrive
// during a run queue exactly one follow-up run.
type Watcher struct {
	root     string
	debounce time.Duration
	run      RunFunc
	targets  map[string]bool

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	running  bool
	queued   bool
	runsDone chan struct{} // Closed when no run is active

	runs   atomic.Int64
	events atomic.Int64
}

// NewWatcher creates a watcher over the manifest directories of root.
// debounce <= 0 selects DefaultDebounce.
func NewWatcher(root string, debounce time.Duration, run RunFunc) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		run:      run,
		targets:  manifest.WatchTargets(),
	}
}

// Start begins watching; it returns once the directories are registered
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return ErrWatcherStarted
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs, err := manifest.DiscoverDirs(w.root)
	if err != nil {
		_ = fsw.Close()
		return err
	}
	dirs = append(dirs, w.root)
	for _, d := range dedupeDirs(dirs) {
		if err := fsw.Add(d); err != nil {
			_ = fsw.Close()
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)

	log.Info().Str("root", w.root).Int("dirs", len(fsw.WatchList())).Dur("debounce", w.debounce).Msg("watching manifests")
	return nil
}

// Stop stops watching and waits for an active run to finish
func (w *Watcher) Stop() {
	w.mu.Lock()
	fsw, cancel, done := w.fsw, w.cancel, w.done
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	cancel()
	<-done
	w.wait()

	w.mu.Lock()
	_ = w.fsw.Close()
	w.fsw = nil
	w.mu.Unlock()
}

// Runs returns how many reconciliations have completed
func (w *Watcher) Runs() int64 { return w.runs.Load() }

// Events returns how many relevant filesystem events were seen
func (w *Watcher) Events() int64 { return w.events.Load() }

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.handleEvent(ev) {
				continue
			}
			w.events.Add(1)
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("watch error")
		case <-timer.C:
			w.trigger(ctx)
		}
	}
}

// handleEvent reports whether ev should schedule a run. New directories
// are added to the watch so manifests created inside them are seen.
func (w *Watcher) handleEvent(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if w.fsw != nil && manifest.HasManifest(ev.Name) {
				_ = w.fsw.Add(ev.Name)
				return true
			}
			return false
		}
	}
	return w.targets[filepath.Base(ev.Name)]
}

// trigger starts a run, or queues one follow-up if a run is active
func (w *Watcher) trigger(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.queued = true
		return
	}
	w.running = true
	w.runsDone = make(chan struct{})
	go w.execute(ctx)
}

func (w *Watcher) execute(ctx context.Context) {
	for {
		start := time.Now()
		err := w.run(ctx)
		w.runs.Add(1)
		switch {
		case errors.Is(err, ErrBusy):
			log.Info().Dur("retry_in", w.debounce).Msg("index busy, retrying watch-triggered update")
			if w.sleep(ctx) {
				// The retry also covers anything queued meanwhile
				w.mu.Lock()
				w.queued = false
				w.mu.Unlock()
				continue
			}
		case err != nil && !errors.Is(err, context.Canceled):
			log.Error().Err(err).Msg("watch-triggered update failed")
		default:
			log.Info().Dur("duration", time.Since(start)).Msg("watch-triggered update finished")
		}

		w.mu.Lock()
		if w.queued && ctx.Err() == nil {
			w.queued = false
			w.mu.Unlock()
			continue
		}
		w.queued = false
		w.running = false
		close(w.runsDone)
		w.mu.Unlock()
		return
	}
}

// sleep waits one debounce interval and reports false if ctx ended first
func (w *Watcher) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.debounce)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// wait blocks until no run is active
func (w *Watcher) wait() {
	w.mu.Lock()
	ch := w.runsDone
	running := w.running
	w.mu.Unlock()
	if running && ch != nil {
		<-ch
	}
}

func dedupeDirs(dirs []string) []string {
	seen := make(map[string]bool, len(dirs))
	out := dirs[:0]
	for _, d := range dirs {
		d = filepath.Clean(d)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}
