// Package dispatch implements the RequestDispatcher: the single serial
// state machine that turns an incoming datagram into a reply, consulting
// the duplicate cache, invoking file operations, and fanning mutations
// out to monitor subscribers.
package dispatch

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/udpfs/internal/cache"
	"github.com/matrix-org/udpfs/internal/codec"
	"github.com/matrix-org/udpfs/internal/fileops"
	"github.com/matrix-org/udpfs/internal/monitor"
	"github.com/matrix-org/udpfs/internal/proto"
	"github.com/matrix-org/udpfs/internal/transport"
)

// selfWriteSuppressor is implemented by watch.Bridge. It lets the
// dispatcher tell an optional watch bridge that a mutation it is about to
// notify monitors about was its own, so the bridge doesn't notify a
// second time when it observes the same write via fsnotify.
type selfWriteSuppressor interface {
	Suppress(path string)
}

// Dispatcher wires together the protocol's five pieces of state and
// drives the single-datagram-in, single-reply-out loop spec.md §4.5
// describes.
type Dispatcher struct {
	store      *fileops.Store
	cache      *cache.Cache
	registry   *monitor.Registry
	transport  transport.Transport
	log        logrus.FieldLogger
	suppressor selfWriteSuppressor
}

// New returns a Dispatcher ready to handle datagrams.
func New(store *fileops.Store, c *cache.Cache, registry *monitor.Registry, t transport.Transport, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{store: store, cache: c, registry: registry, transport: t, log: log}
}

// SetWatchBridge wires an optional watch bridge so the dispatcher can
// mark its own mutations as self-written (see selfWriteSuppressor).
// Passing nil disables suppression.
func (d *Dispatcher) SetWatchBridge(b selfWriteSuppressor) {
	d.suppressor = b
}

// Serve runs the receive/dispatch/reply loop until Recv returns an
// error (typically because the socket was closed during shutdown).
func (d *Dispatcher) Serve() error {
	for {
		buf, addr, err := d.transport.Recv()
		if err != nil {
			return err
		}
		d.handleDatagram(buf, addr)
	}
}

// handleDatagram is one full pass of the dispatcher loop for a single
// datagram: decode, route, (maybe) execute, (maybe) notify, (maybe)
// cache, reply. It is a unit of work that runs to completion before the
// Serve loop reads the next datagram, per spec.md §5's single-threaded
// cooperative scheduling model.
func (d *Dispatcher) handleDatagram(buf []byte, addr proto.Addr) {
	traceID := uuid.New().String()
	log := d.log.WithFields(logrus.Fields{"trace": traceID, "addr": addr})

	req, err := codec.Decode(buf)
	if err != nil {
		log.WithError(err).Warn("dispatch: decode error")
		d.reply(log, addr, proto.Bad("decode error"))
		return
	}
	log = log.WithFields(logrus.Fields{"req_no": req.ReqNo, "op": req.Op.String()})

	switch req.Op {
	case proto.OpHandshake:
		d.cache.BeginSession(addr, req.SessionID)
		log.WithField("session_id", req.SessionID).Info("dispatch: handshake")
		d.reply(log, addr, proto.Good([]byte("Handshake Completed. Welcome!")))
		return
	case proto.OpDisconnect:
		d.cache.Flush(addr)
		log.Info("dispatch: disconnect")
		d.reply(log, addr, proto.Good([]byte("Bye!")))
		return
	}

	if !req.Op.IsDataOp() {
		log.Warn("dispatch: invalid operation")
		d.reply(log, addr, proto.Bad("Invalid Operation"))
		return
	}

	if d.cache.Has(addr, req.ReqNo) {
		log.Debug("dispatch: duplicate request, replaying cached response")
		d.reply(log, addr, d.cache.Get(addr, req.ReqNo))
		return
	}

	resp, mutatedSnapshot := d.execute(log, addr, req)
	if mutatedSnapshot != nil && resp.Status == proto.StatusGood {
		if d.suppressor != nil {
			d.suppressor.Suppress(req.Path)
		}
		d.registry.Notify(req.Path, mutatedSnapshot, d.transport)
	}
	d.cache.Put(addr, req.ReqNo, resp)
	d.reply(log, addr, resp)
}

// execute runs the file or monitor operation a decoded request names.
// It returns the reply to send and, for mutating operations that
// succeeded, the post-mutation snapshot to hand to the monitor
// registry (nil otherwise).
func (d *Dispatcher) execute(log logrus.FieldLogger, addr proto.Addr, req proto.Request) (proto.Response, []byte) {
	switch req.Op {
	case proto.OpRead:
		data, err := d.store.Read(req.Path, req.Offset, req.Amount)
		if err != nil {
			return errorResponse(log, err), nil
		}
		return proto.Good(data), nil

	case proto.OpInsert:
		snapshot, err := d.store.Insert(req.Path, req.Offset, req.Data)
		if err != nil {
			return errorResponse(log, err), nil
		}
		return proto.Good([]byte("Operation Completed")), snapshot

	case proto.OpUpdate:
		snapshot, err := d.store.Update(req.Path, req.Offset, req.Data)
		if err != nil {
			return errorResponse(log, err), nil
		}
		return proto.Good([]byte("Operation Completed")), snapshot

	case proto.OpDelete:
		snapshot, err := d.store.Delete(req.Path, req.Offset, req.Amount)
		if err != nil {
			return errorResponse(log, err), nil
		}
		return proto.Good([]byte("Operation Completed")), snapshot

	case proto.OpMonitor:
		if _, err := d.store.Resolve(req.Path); err != nil {
			// Subscriptions are accepted regardless of whether the
			// path exists yet, per spec.md §4.3: "an implementer MAY
			// validate existence; if it does, it MUST return GOOD
			// regardless as long as the subscription was accepted."
			log.WithError(err).Debug("dispatch: monitor subscription for path that does not (yet) exist")
		}
		d.registry.Subscribe(req.Path, addr, req.IntervalMs)
		return proto.Good([]byte("Monitoring")), nil
	}
	return proto.Bad("Invalid Operation"), nil
}

func (d *Dispatcher) reply(log logrus.FieldLogger, addr proto.Addr, resp proto.Response) {
	if err := d.transport.Send(codec.Encode(resp), addr); err != nil {
		log.WithError(err).Error("dispatch: failed to send response")
	}
}

func errorResponse(log logrus.FieldLogger, err error) proto.Response {
	log.WithError(err).Debug("dispatch: operation rejected")
	return proto.Bad(err.Error())
}
