// Package ipc exposes the mediator's device-info protocol to out-of-process
// clients over a unix socket. Payloads are exactly the protocol wire
// structs; the framing adds only a length, the operation code, a device
// index and (on responses) a status.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/mdx/internal/mediator"
	"github.com/tinyrange/mdx/internal/msi"
	"github.com/tinyrange/mdx/internal/topology"
)

// Status encodes the mediator error taxonomy on the wire.
type Status uint16

const (
	StatusOK Status = iota
	StatusInvalidArgument
	StatusNotSupported
	StatusNoVectors
	StatusNoMapping
	StatusClosed
	StatusIO
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusNotSupported:
		return "not supported"
	case StatusNoVectors:
		return "no vectors"
	case StatusNoMapping:
		return "no mapping"
	case StatusClosed:
		return "device closed"
	case StatusIO:
		return "i/o error"
	default:
		return fmt.Sprintf("status %d", uint16(s))
	}
}

// Err converts a non-OK status back into the matching mediator error so
// clients can use errors.Is across the socket.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusInvalidArgument:
		return mediator.ErrInvalidArgument
	case StatusNotSupported:
		return mediator.ErrNotSupported
	case StatusNoVectors:
		return msi.ErrNoVectors
	case StatusNoMapping:
		return topology.ErrNoMapping
	case StatusClosed:
		return mediator.ErrClosed
	default:
		return fmt.Errorf("ipc: %s", s)
	}
}

func statusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, mediator.ErrInvalidArgument):
		return StatusInvalidArgument
	case errors.Is(err, mediator.ErrNotSupported):
		return StatusNotSupported
	case errors.Is(err, msi.ErrNoVectors):
		return StatusNoVectors
	case errors.Is(err, topology.ErrNoMapping):
		return StatusNoMapping
	case errors.Is(err, mediator.ErrClosed):
		return StatusClosed
	default:
		return StatusIO
	}
}

const (
	requestHeaderSize  = 8 // length u32, op u16, device u16
	responseHeaderSize = 8 // length u32, status u16, reserved u16

	// maxPayload bounds a frame so a broken peer cannot make the other
	// side allocate unbounded memory.
	maxPayload = 1 << 20
)

var le = binary.LittleEndian

type requestHeader struct {
	Length uint32
	Op     mediator.Op
	Device uint16
}

func writeRequest(w io.Writer, hdr requestHeader, payload []byte) error {
	var buf [requestHeaderSize]byte
	le.PutUint32(buf[0:], hdr.Length)
	le.PutUint16(buf[4:], uint16(hdr.Op))
	le.PutUint16(buf[6:], hdr.Device)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readRequest(r io.Reader) (requestHeader, []byte, error) {
	var buf [requestHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return requestHeader{}, nil, err
	}
	hdr := requestHeader{
		Length: le.Uint32(buf[0:]),
		Op:     mediator.Op(le.Uint16(buf[4:])),
		Device: le.Uint16(buf[6:]),
	}
	if hdr.Length > maxPayload {
		return requestHeader{}, nil, fmt.Errorf("ipc: request payload %d exceeds limit", hdr.Length)
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return requestHeader{}, nil, err
	}
	return hdr, payload, nil
}

func writeResponse(w io.Writer, status Status, payload []byte) error {
	var buf [responseHeaderSize]byte
	le.PutUint32(buf[0:], uint32(len(payload)))
	le.PutUint16(buf[4:], uint16(status))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readResponse(r io.Reader) (Status, []byte, error) {
	var buf [responseHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, nil, err
	}
	length := le.Uint32(buf[0:])
	status := Status(le.Uint16(buf[4:]))
	if length > maxPayload {
		return 0, nil, fmt.Errorf("ipc: response payload %d exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return status, payload, nil
}
