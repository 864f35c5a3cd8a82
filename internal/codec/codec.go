// Package codec marshals responses and unmarshals requests to and from
// the big-endian, length-prefixed wire format described by the protocol.
package codec

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/matrix-org/udpfs/internal/proto"
)

// DecodeError reports a malformed, truncated, or unrecognised request
// frame. The decoder is total: it never panics, it always returns either
// a Request or a DecodeError.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "decode error: " + e.Reason }

// reader walks a byte buffer left to right, tracking how far it has read
// so every field access can be bounds-checked before it happens.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("need %d bytes at offset %d, have %d", n, r.pos, len(r.buf))
	}
	return nil
}

func (r *reader) readByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readBytes(n uint32) ([]byte, error) {
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readUint32()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("path is not valid UTF-8")
	}
	return string(b), nil
}

// Decode parses a request datagram per the wire framing:
//
//	req_no(4) op(1) [client_time(4) | path_len(4)+path+[offset(4)]+...]
func Decode(buf []byte) (proto.Request, error) {
	r := &reader{buf: buf}
	var req proto.Request

	reqNo, err := r.readUint32()
	if err != nil {
		return req, &DecodeError{Reason: err.Error()}
	}
	req.ReqNo = reqNo

	opByte, err := r.readByte()
	if err != nil {
		return req, &DecodeError{Reason: err.Error()}
	}
	op := proto.Operation(opByte)
	req.Op = op

	switch op {
	case proto.OpHandshake:
		sid, err := r.readUint32()
		if err != nil {
			return req, &DecodeError{Reason: err.Error()}
		}
		req.SessionID = sid
		return req, nil
	case proto.OpDisconnect:
		return req, nil
	case proto.OpRead, proto.OpInsert, proto.OpUpdate, proto.OpDelete, proto.OpMonitor:
		// fall through to shared path decoding below
	default:
		return req, &DecodeError{Reason: fmt.Sprintf("unknown opcode %d", opByte)}
	}

	path, err := r.readString()
	if err != nil {
		return req, &DecodeError{Reason: err.Error()}
	}
	req.Path = path

	if op != proto.OpMonitor {
		offset, err := r.readUint32()
		if err != nil {
			return req, &DecodeError{Reason: err.Error()}
		}
		req.Offset = offset
	}

	switch op {
	case proto.OpInsert, proto.OpUpdate:
		n, err := r.readUint32()
		if err != nil {
			return req, &DecodeError{Reason: err.Error()}
		}
		data, err := r.readBytes(n)
		if err != nil {
			return req, &DecodeError{Reason: err.Error()}
		}
		req.Data = append([]byte(nil), data...)
	case proto.OpRead, proto.OpDelete:
		amount, err := r.readUint32()
		if err != nil {
			return req, &DecodeError{Reason: err.Error()}
		}
		req.Amount = amount
	case proto.OpMonitor:
		interval, err := r.readUint32()
		if err != nil {
			return req, &DecodeError{Reason: err.Error()}
		}
		req.IntervalMs = interval
	}

	return req, nil
}

// Encode marshals a response into its wire form: a single status byte
// followed by the raw response data, with no length prefix (the
// datagram boundary terminates the frame).
func Encode(resp proto.Response) []byte {
	out := make([]byte, 1+len(resp.Data))
	out[0] = byte(resp.Status)
	copy(out[1:], resp.Data)
	return out
}

// DecodeResponse is the client-side counterpart of Encode, used by the
// debug CLI and TUI clients to interpret what the server sent back.
func DecodeResponse(buf []byte) (proto.Response, error) {
	if len(buf) < 1 {
		return proto.Response{}, &DecodeError{Reason: "empty datagram"}
	}
	return proto.Response{
		Status: proto.Status(buf[0]),
		Data:   append([]byte(nil), buf[1:]...),
	}, nil
}

// EncodeRequest is the client-side counterpart of Decode, used by the
// debug CLI and TUI clients to build outgoing requests.
func EncodeRequest(req proto.Request) []byte {
	buf := make([]byte, 0, 32+len(req.Path)+len(req.Data))
	buf = appendUint32(buf, req.ReqNo)
	buf = append(buf, byte(req.Op))

	switch req.Op {
	case proto.OpHandshake:
		buf = appendUint32(buf, req.SessionID)
		return buf
	case proto.OpDisconnect:
		return buf
	}

	buf = appendUint32(buf, uint32(len(req.Path)))
	buf = append(buf, req.Path...)

	if req.Op != proto.OpMonitor {
		buf = appendUint32(buf, req.Offset)
	}

	switch req.Op {
	case proto.OpInsert, proto.OpUpdate:
		buf = appendUint32(buf, uint32(len(req.Data)))
		buf = append(buf, req.Data...)
	case proto.OpRead, proto.OpDelete:
		buf = appendUint32(buf, req.Amount)
	case proto.OpMonitor:
		buf = appendUint32(buf, req.IntervalMs)
	}
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}
