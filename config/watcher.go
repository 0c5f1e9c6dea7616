package config

import (
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// fileEventKind classifies what the poller observed between two stats
// of the watched file.
type fileEventKind int

const (
	fileModified fileEventKind = iota
	fileCreated
	fileRemoved
)

func (k fileEventKind) String() string {
	switch k {
	case fileCreated:
		return "created"
	case fileRemoved:
		return "removed"
	default:
		return "modified"
	}
}

// fileEvent is one observed change of the watched file.
type fileEvent struct {
	Path string
	Kind fileEventKind
	At   time.Time
}

// fileWatcher polls a single configuration file and reports changes
// through a callback. Polling keeps the watcher portable across
// filesystems, and one second is plenty for a config file. Bursts of
// writes inside the debounce window collapse into one event.
type fileWatcher struct {
	path     string
	interval time.Duration
	debounce time.Duration
	notify   func(fileEvent)
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// newFileWatcher creates a watcher for path. A file that does not
// exist yet is watched for creation.
func newFileWatcher(path string, notify func(fileEvent), logger *zap.Logger) *fileWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fileWatcher{
		path:     path,
		interval: time.Second,
		debounce: 500 * time.Millisecond,
		notify:   notify,
		logger:   logger,
	}
}

// start launches the poll loop.
func (w *fileWatcher) start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("config file watcher already running")
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	// The baseline stat happens before the goroutine launches so a
	// change made right after start() is observed, not absorbed.
	lastMod, exists := w.statFile()
	go w.loop(lastMod, exists)

	w.logger.Debug("config file watcher started",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval),
	)
	return nil
}

// close halts the poll loop and waits for it to exit. Safe to call on
// a watcher that never started.
func (w *fileWatcher) close() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()
	<-done
}

// loop stats the file every interval and delivers a debounced event
// when its modification time moves, it appears, or it disappears.
// The notify callback runs on this goroutine.
func (w *fileWatcher) loop(lastMod time.Time, exists bool) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		pending *fileEvent
		due     <-chan time.Time
	)
	for {
		select {
		case <-w.stop:
			return

		case <-due:
			due = nil
			if pending == nil {
				continue
			}
			w.logger.Debug("config file changed",
				zap.String("path", pending.Path),
				zap.String("kind", pending.Kind.String()),
			)
			w.notify(*pending)
			pending = nil

		case <-ticker.C:
			mod, ok := w.statFile()
			var kind fileEventKind
			switch {
			case ok && !exists:
				kind = fileCreated
			case !ok && exists:
				kind = fileRemoved
			case ok && mod.After(lastMod):
				kind = fileModified
			default:
				continue
			}
			lastMod, exists = mod, ok
			// A newer observation replaces the pending one and re-arms
			// the debounce timer.
			pending = &fileEvent{Path: w.path, Kind: kind, At: time.Now()}
			due = time.After(w.debounce)
		}
	}
}

func (w *fileWatcher) statFile() (time.Time, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
