package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/udpfs/internal/monitor"
	"github.com/matrix-org/udpfs/internal/proto"
)

type fakeSender struct {
	mu  sync.Mutex
	got map[proto.Addr][][]byte
}

func newFakeSender() *fakeSender { return &fakeSender{got: make(map[proto.Addr][][]byte)} }

func (f *fakeSender) SendTo(data []byte, addr proto.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got[addr] = append(f.got[addr], data)
	return nil
}

func (f *fakeSender) count(addr proto.Addr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got[addr])
}

func newTestBridge(t *testing.T) (*Bridge, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greet"), []byte("HELLO"), 0o644); err != nil {
		t.Fatal(err)
	}
	return &Bridge{
		root:     dir,
		registry: monitor.NewRegistry(nil),
		sender:   newFakeSender(),
		log:      logrus.New(),
		recent:   make(map[string]time.Time),
	}, dir
}

// TestExternalWriteIsDelivered covers the bridge's actual purpose: a
// change nobody suppressed reaches subscribers.
func TestExternalWriteIsDelivered(t *testing.T) {
	b, dir := newTestBridge(t)
	const subscriber proto.Addr = "10.0.0.20:1"
	b.registry.Subscribe("greet", subscriber, 10_000)

	b.handle(fsnotify.Event{Name: filepath.Join(dir, "greet"), Op: fsnotify.Write})

	sender := b.sender.(*fakeSender)
	if sender.count(subscriber) != 1 {
		t.Fatalf("expected 1 delivery for an external write, got %d", sender.count(subscriber))
	}
}

// TestSuppressedWriteIsNotDelivered covers the fix for the double
// notification defect: a path the dispatcher just marked as self-written
// must not be re-delivered when the bridge observes the corresponding
// fsnotify event.
func TestSuppressedWriteIsNotDelivered(t *testing.T) {
	b, dir := newTestBridge(t)
	const subscriber proto.Addr = "10.0.0.21:1"
	b.registry.Subscribe("greet", subscriber, 10_000)

	b.Suppress("greet")
	b.handle(fsnotify.Event{Name: filepath.Join(dir, "greet"), Op: fsnotify.Write})

	sender := b.sender.(*fakeSender)
	if sender.count(subscriber) != 0 {
		t.Errorf("expected the self-triggered event to be suppressed, got %d deliveries", sender.count(subscriber))
	}
}

// TestSuppressionExpiresAndIsOneShot covers two edges of the suppression
// window: it does not apply once selfWriteWindow has elapsed, and a
// single Suppress call only swallows the next event, not every event
// thereafter.
func TestSuppressionExpiresAndIsOneShot(t *testing.T) {
	b, dir := newTestBridge(t)
	const subscriber proto.Addr = "10.0.0.22:1"
	b.registry.Subscribe("greet", subscriber, 10_000)

	b.mu.Lock()
	b.recent["greet"] = time.Now().Add(-selfWriteWindow - time.Second)
	b.mu.Unlock()

	ev := fsnotify.Event{Name: filepath.Join(dir, "greet"), Op: fsnotify.Write}
	b.handle(ev) // stale suppression entry: treated as an external change
	b.handle(ev) // no suppression entry left at all: also external

	sender := b.sender.(*fakeSender)
	if sender.count(subscriber) != 2 {
		t.Errorf("expected both writes to be delivered, got %d", sender.count(subscriber))
	}

	b.Suppress("greet")
	b.handle(ev) // fresh suppression: swallowed
	b.handle(ev) // mark already consumed: delivered
	if sender.count(subscriber) != 3 {
		t.Errorf("expected a single Suppress to swallow only one event, got %d deliveries", sender.count(subscriber))
	}
}
