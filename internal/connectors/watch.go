package connectors

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is how long Watcher waits after the last observed event
// before firing a rescan trigger, collapsing a burst of writes (e.g. a
// connector appending many lines to one JSONL file) into a single signal.
const defaultDebounce = 2 * time.Second

// Watcher debounces filesystem change events across a fixed set of root
// directories into a single rescan trigger, for a connector run in watch
// mode instead of a one-shot scan.
type Watcher struct {
	fsw      *fsnotify.Watcher
	out      chan struct{}
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher starts watching each of roots non-recursively. A root that
// does not exist yet (e.g. a connector whose agent has never run on this
// machine) is skipped rather than treated as an error.
func NewWatcher(roots []string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		_ = fsw.Add(root)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	w := &Watcher{
		fsw:      fsw,
		out:      make(chan struct{}, 1),
		debounce: debounce,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			select {
			case w.out <- struct{}{}:
			default:
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Events fires (debounced) whenever a watched root changes.
func (w *Watcher) Events() <-chan struct{} { return w.out }

// Close stops the underlying fsnotify watcher and its debounce goroutine.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
