// Package monitor implements the per-path subscription registry that
// fans post-mutation file snapshots out to clients that asked to be
// told about changes.
package monitor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/udpfs/internal/codec"
	"github.com/matrix-org/udpfs/internal/proto"
)

// Sender is the capability the registry needs to deliver a notification
// datagram; it is satisfied by transport.UDP and by test doubles.
type Sender interface {
	SendTo(data []byte, addr proto.Addr) error
}

// entry is a single subscription: a subscriber and the absolute time at
// which it stops being eligible for delivery.
type entry struct {
	subscriber proto.Addr
	expiry     time.Time
}

// Registry holds, per served path, the set of subscribers currently
// watching it. Unlike the single-producer original (where only the
// dispatcher ever called notify), this registry is also fed by the
// fsnotify-backed watch bridge (see internal/watch), so — unlike
// spec.md's assumption of one serial caller — it protects its state
// with a mutex. This is a deliberate addition beyond the base protocol;
// see DESIGN.md.
type Registry struct {
	log   logrus.FieldLogger
	mu    sync.Mutex
	byKey map[string][]entry
}

// NewRegistry returns an empty registry. log may be nil.
func NewRegistry(log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		log:   log,
		byKey: make(map[string][]entry),
	}
}

// Subscribe records that subscriber wants to hear about mutations on
// path for the next intervalMs milliseconds. Duplicate (subscriber,
// expiry) pairs collapse; the protocol otherwise allows multiple
// overlapping subscriptions from the same client on the same path, so a
// second call with a different interval adds a second entry rather than
// replacing the first.
func (r *Registry) Subscribe(path string, subscriber proto.Addr, intervalMs uint32) {
	e := entry{subscriber: subscriber, expiry: time.Now().Add(time.Duration(intervalMs) * time.Millisecond)}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byKey[path] {
		if existing == e {
			return
		}
	}
	r.byKey[path] = append(r.byKey[path], e)
	r.log.WithFields(logrus.Fields{"path": path, "subscriber": subscriber, "interval_ms": intervalMs}).
		Debug("monitor: subscription added")
}

// Notify delivers snapshot to every non-expired subscriber of path,
// pruning expired entries as it goes. Entries are collected into a
// fresh survivors slice rather than mutated in place, and the lock is
// held for the whole pass, so a concurrent Subscribe call waits until
// the pass is done and its entry is then added to the survivors.
func (r *Registry) Notify(path string, snapshot []byte, send Sender) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byKey[path]
	if len(entries) == 0 {
		return
	}

	resp := proto.Good(snapshot)
	wire := codec.Encode(resp)

	survivors := make([]entry, 0, len(entries))
	delivered := 0
	for _, e := range entries {
		if now.After(e.expiry) {
			continue
		}
		survivors = append(survivors, e)
		if err := send.SendTo(wire, e.subscriber); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"path": path, "subscriber": e.subscriber}).
				Warn("monitor: failed to deliver notification")
			continue
		}
		delivered++
	}

	if len(survivors) == 0 {
		delete(r.byKey, path)
	} else {
		r.byKey[path] = survivors
	}

	if delivered > 0 || len(entries) != len(survivors) {
		r.log.WithFields(logrus.Fields{
			"path": path, "delivered": delivered, "evicted": len(entries) - len(survivors),
		}).Debug("monitor: notify complete")
	}
}
