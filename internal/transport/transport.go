// Package transport adapts a raw net.PacketConn to the narrow
// recv/send contract the dispatcher depends on, so the dispatcher never
// imports "net" directly.
package transport

import (
	"net"
	"strconv"

	"github.com/matrix-org/udpfs/internal/proto"
)

// MaxDatagram is the suggested receive-buffer ceiling: large enough for
// any practical request, matching the reference implementation's 1 MiB
// buffer.
const MaxDatagram = 1024 * 1024

// Transport is the capability the dispatcher depends on: receive one
// datagram with its sender, and send one datagram to a given sender.
// Because the protocol core is never driven from two goroutines, the
// only method here that needs to be callable concurrently is SendTo
// (used by the watch bridge's external-change notifications).
type Transport interface {
	Recv() ([]byte, proto.Addr, error)
	Send(data []byte, addr proto.Addr) error
	SendTo(data []byte, addr proto.Addr) error
	Close() error
}

// UDP is a Transport backed by a bound UDP socket.
type UDP struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket on host:port and returns a Transport over it.
func Listen(host string, port uint16) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDP{conn: conn}, nil
}

// LocalAddr returns the socket's bound local address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Recv blocks until a datagram arrives, returning its payload and the
// sender's address. Buffers are sized to MaxDatagram; oversized
// packets are truncated by the OS layer, matching spec.md §5.
func (u *UDP) Recv() ([]byte, proto.Addr, error) {
	buf := make([]byte, MaxDatagram)
	n, raddr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, "", err
	}
	return buf[:n], proto.AddrFromUDP(raddr), nil
}

// Send writes data to addr as a reply to a just-processed request.
func (u *UDP) Send(data []byte, addr proto.Addr) error {
	return u.SendTo(data, addr)
}

// SendTo writes data to addr. It is the same operation as Send; the
// distinct name exists so monitor.Sender and watch's notifier can
// depend on a one-method interface instead of the full Transport.
func (u *UDP) SendTo(data []byte, addr proto.Addr) error {
	raddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(data, raddr)
	return err
}

// Close releases the underlying socket.
func (u *UDP) Close() error { return u.conn.Close() }
