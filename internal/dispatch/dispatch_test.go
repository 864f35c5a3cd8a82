package dispatch

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matrix-org/udpfs/internal/cache"
	"github.com/matrix-org/udpfs/internal/codec"
	"github.com/matrix-org/udpfs/internal/fileops"
	"github.com/matrix-org/udpfs/internal/monitor"
	"github.com/matrix-org/udpfs/internal/proto"
)

// fakeTransport is an in-memory Transport double: Recv is unused (the
// tests call handleDatagram directly), Send/SendTo records outbound
// datagrams per recipient for assertions.
type fakeTransport struct {
	mu  sync.Mutex
	out map[proto.Addr][]proto.Response
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{out: make(map[proto.Addr][]proto.Response)}
}

func (f *fakeTransport) Recv() ([]byte, proto.Addr, error) { panic("not used in these tests") }

func (f *fakeTransport) Send(data []byte, addr proto.Addr) error {
	return f.SendTo(data, addr)
}

func (f *fakeTransport) SendTo(data []byte, addr proto.Addr) error {
	resp, err := codec.DecodeResponse(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out[addr] = append(f.out[addr], resp)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) last(addr proto.Addr) proto.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	replies := f.out[addr]
	if len(replies) == 0 {
		return proto.Response{}
	}
	return replies[len(replies)-1]
}

func (f *fakeTransport) countFor(addr proto.Addr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out[addr])
}

func newTestDispatcher(t *testing.T, atMostOnce bool) (*Dispatcher, *fakeTransport, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greet"), []byte("HELLO WORLD"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := fileops.NewStore(dir)
	c := cache.New(atMostOnce)
	registry := monitor.NewRegistry(nil)
	tr := newFakeTransport()
	return New(store, c, registry, tr, nil), tr, dir
}

const client proto.Addr = "10.0.0.9:5555"

// TestScenarioS1Read covers spec.md §8 scenario S1.
func TestScenarioS1Read(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, false)
	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 1, Op: proto.OpRead, Path: "greet", Offset: 6, Amount: 5}), client)

	resp := tr.last(client)
	if resp.Status != proto.StatusGood || string(resp.Data) != "WORLD" {
		t.Errorf("got %+v, want GOOD \"WORLD\"", resp)
	}
}

// TestScenarioS2Update covers S2.
func TestScenarioS2Update(t *testing.T) {
	d, tr, dir := newTestDispatcher(t, false)
	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 2, Op: proto.OpUpdate, Path: "greet", Offset: 6, Data: []byte("there")}), client)

	resp := tr.last(client)
	if resp.Status != proto.StatusGood {
		t.Fatalf("got %+v, want GOOD", resp)
	}
	contents, _ := os.ReadFile(filepath.Join(dir, "greet"))
	if string(contents) != "HELLO there" {
		t.Errorf("file = %q, want %q", contents, "HELLO there")
	}
}

// TestScenarioS5DuplicateAtMostOnce covers S5 / invariant 5: a
// retransmitted INSERT under at-most-once mutates the file exactly once
// and both responses are byte-identical.
func TestScenarioS5DuplicateAtMostOnce(t *testing.T) {
	d, tr, dir := newTestDispatcher(t, true)
	req := codec.EncodeRequest(proto.Request{ReqNo: 5, Op: proto.OpInsert, Path: "greet", Offset: 0, Data: []byte("!")})

	d.handleDatagram(req, client)
	d.handleDatagram(req, client)

	if tr.countFor(client) != 2 {
		t.Fatalf("expected 2 replies, got %d", tr.countFor(client))
	}
	first := tr.out[client][0]
	second := tr.out[client][1]
	if !first.Equal(second) {
		t.Errorf("duplicate responses differ: %+v vs %+v", first, second)
	}

	contents, _ := os.ReadFile(filepath.Join(dir, "greet"))
	if string(contents) != "!HELLO WORLD" {
		t.Errorf("file = %q, want exactly one insertion applied: %q", contents, "!HELLO WORLD")
	}
}

// TestAtLeastOnceAppliesTwice covers invariant 6: with the
// cache disabled, two identical INSERT requests apply twice.
func TestAtLeastOnceAppliesTwice(t *testing.T) {
	d, _, dir := newTestDispatcher(t, false)
	req := codec.EncodeRequest(proto.Request{ReqNo: 5, Op: proto.OpInsert, Path: "greet", Offset: 0, Data: []byte("!")})

	d.handleDatagram(req, client)
	d.handleDatagram(req, client)

	contents, _ := os.ReadFile(filepath.Join(dir, "greet"))
	if string(contents) != "!!HELLO WORLD" {
		t.Errorf("file = %q, want two insertions applied: %q", contents, "!!HELLO WORLD")
	}
}

// TestScenarioS7Bounds covers S7.
func TestScenarioS7Bounds(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, false)
	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 7, Op: proto.OpRead, Path: "greet", Offset: 10, Amount: 5}), client)

	resp := tr.last(client)
	if resp.Status != proto.StatusBad || string(resp.Data) != "Offset+Amount is too large" {
		t.Errorf("got %+v, want BAD \"Offset+Amount is too large\"", resp)
	}
}

func TestHandshakeAndDisconnect(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, true)

	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 1, Op: proto.OpHandshake, SessionID: 111}), client)
	if resp := tr.last(client); resp.Status != proto.StatusGood {
		t.Fatalf("handshake reply = %+v, want GOOD", resp)
	}

	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 9, Op: proto.OpRead, Path: "greet", Offset: 0, Amount: 5}), client)
	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 1, Op: proto.OpDisconnect}), client)
	if resp := tr.last(client); resp.Status != proto.StatusGood || string(resp.Data) != "Bye!" {
		t.Errorf("disconnect reply = %+v, want GOOD \"Bye!\"", resp)
	}
}

// TestSessionResetClearsCache covers invariant 7 end to end through the
// dispatcher: a second HANDSHAKE with a different session id means a
// subsequent duplicate request is re-executed, not replayed.
func TestSessionResetClearsCache(t *testing.T) {
	d, _, dir := newTestDispatcher(t, true)

	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 1, Op: proto.OpHandshake, SessionID: 1}), client)
	insert := codec.EncodeRequest(proto.Request{ReqNo: 5, Op: proto.OpInsert, Path: "greet", Offset: 0, Data: []byte("!")})
	d.handleDatagram(insert, client)

	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 1, Op: proto.OpHandshake, SessionID: 2}), client)
	d.handleDatagram(insert, client)

	contents, _ := os.ReadFile(filepath.Join(dir, "greet"))
	if string(contents) != "!!HELLO WORLD" {
		t.Errorf("expected the insert to be re-executed after a session reset; file = %q", contents)
	}
}

func TestInvalidOperationByte(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, false)
	buf := codec.EncodeRequest(proto.Request{ReqNo: 1, Op: proto.OpRead, Path: "greet", Offset: 0, Amount: 1})
	buf[4] = 99 // clobber the opcode with an out-of-range value
	d.handleDatagram(buf, client)

	resp := tr.last(client)
	if resp.Status != proto.StatusBad {
		t.Errorf("got %+v, want BAD", resp)
	}
}

func TestDecodeErrorDoesNotTouchState(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, true)
	d.handleDatagram([]byte{0, 0}, client) // too short to contain even req_no

	resp := tr.last(client)
	if resp.Status != proto.StatusBad {
		t.Errorf("got %+v, want BAD", resp)
	}
	if d.cache.Has(client, 0) {
		t.Error("a decode error must not populate the response cache")
	}
}

// TestMonitorNotifiesOnMutation covers invariant 8 through the full
// dispatch loop: a subscriber registered before a mutation receives the
// new file contents.
func TestMonitorNotifiesOnMutation(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, false)
	const subscriber proto.Addr = "10.0.0.10:4242"

	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 1, Op: proto.OpMonitor, Path: "greet", IntervalMs: 10_000}), subscriber)
	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 2, Op: proto.OpUpdate, Path: "greet", Offset: 0, Data: []byte("HELLO!")}), client)

	replies := tr.out[subscriber]
	if len(replies) < 2 {
		t.Fatalf("expected at least a MONITOR ack and one notification, got %d replies", len(replies))
	}
	notification := replies[len(replies)-1]
	if notification.Status != proto.StatusGood || !bytes.HasPrefix(notification.Data, []byte("HELLO!")) {
		t.Errorf("notification = %+v, want GOOD with updated contents", notification)
	}
}

func TestReadNeverNotifiesMonitors(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, false)
	const subscriber proto.Addr = "10.0.0.11:4242"

	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 1, Op: proto.OpMonitor, Path: "greet", IntervalMs: 10_000}), subscriber)
	beforeCount := tr.countFor(subscriber)

	d.handleDatagram(codec.EncodeRequest(proto.Request{ReqNo: 2, Op: proto.OpRead, Path: "greet", Offset: 0, Amount: 5}), client)

	if tr.countFor(subscriber) != beforeCount {
		t.Errorf("READ triggered a monitor notification: count went from %d to %d", beforeCount, tr.countFor(subscriber))
	}
}
