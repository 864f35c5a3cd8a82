// Package watch bridges external, out-of-protocol file edits into the
// monitor registry. The dispatcher only calls Registry.Notify for
// mutations it performs itself; a file changed by some other process
// sharing the served directory would otherwise never reach subscribers.
// Bridge closes that gap with an fsnotify watch over the server root.
package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/udpfs/internal/monitor"
)

// selfWriteWindow bounds how long a path stays suppressed after the
// dispatcher reports writing it. fsnotify delivers an event shortly after
// the write syscall returns; the window only needs to cover that gap, not
// act as a general debounce.
const selfWriteWindow = 2 * time.Second

// Bridge watches a root directory and feeds writes it observes into a
// monitor.Registry, re-reading the changed file to build the same
// "full file contents" snapshot the dispatcher would have produced.
//
// Bridge only exists to catch changes made to the served directory
// *outside* the protocol (some other process editing a file the server
// also exposes); SPEC_FULL.md §2 item 11 and invariant 8 ("exactly one
// notification per mutation") both require it to stay quiet about writes
// the dispatcher itself just performed, so Suppress lets the dispatcher
// mark a path as self-written right before the corresponding fsnotify
// event would otherwise arrive.
type Bridge struct {
	root     string
	registry *monitor.Registry
	sender   monitor.Sender
	log      logrus.FieldLogger
	watcher  *fsnotify.Watcher

	mu     sync.Mutex
	recent map[string]time.Time
}

// NewBridge creates a Bridge rooted at root. Call Run to start it.
func NewBridge(root string, registry *monitor.Registry, sender monitor.Sender, log logrus.FieldLogger) (*Bridge, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bridge{root: root, registry: registry, sender: sender, log: log, watcher: w, recent: make(map[string]time.Time)}, nil
}

// Suppress marks rel (a path relative to root) as just written by the
// dispatcher, so the next fsnotify event handle sees for it within
// selfWriteWindow is treated as an echo of that write, not an external
// change.
func (b *Bridge) Suppress(rel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent[rel] = time.Now()
}

// Run processes fsnotify events until stop is closed or the watcher's
// event channel is closed. It is meant to be run in its own goroutine;
// it is the one piece of this service that executes concurrently with
// the dispatcher's serial loop (see SPEC_FULL.md §5).
func (b *Bridge) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handle(ev)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.WithError(err).Warn("watch: fsnotify error")
		}
	}
}

func (b *Bridge) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	info, err := os.Lstat(ev.Name)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	rel, err := filepath.Rel(b.root, ev.Name)
	if err != nil {
		return
	}

	b.mu.Lock()
	suppressedAt, suppressed := b.recent[rel]
	if suppressed {
		delete(b.recent, rel)
	}
	b.mu.Unlock()
	if suppressed && time.Since(suppressedAt) < selfWriteWindow {
		b.log.WithField("path", rel).Debug("watch: ignoring self-triggered event")
		return
	}

	data, err := os.ReadFile(ev.Name)
	if err != nil {
		b.log.WithError(err).WithField("path", rel).Warn("watch: failed to read changed file")
		return
	}
	b.log.WithField("path", rel).Debug("watch: external change detected")
	b.registry.Notify(rel, data, b.sender)
}

// Close stops the underlying fsnotify watcher.
func (b *Bridge) Close() error { return b.watcher.Close() }
