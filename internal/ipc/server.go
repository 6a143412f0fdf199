package ipc

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/mdx/internal/mediator"
)

// Server serves mediator devices on a unix socket. Devices are addressed by
// their registration index; each connection is handled on its own goroutine
// and requests within a connection are serviced in order.
type Server struct {
	listener net.Listener
	log      *slog.Logger

	devices []*mediator.Device

	closed  atomic.Bool
	wg      sync.WaitGroup
	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// NewServer listens on the given unix socket path. A stale socket file from
// a previous run is removed first.
func NewServer(socketPath string, devices []*mediator.Device, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", socketPath, err)
	}
	return &Server{
		listener: listener,
		log:      log,
		devices:  devices,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()

	for {
		hdr, payload, err := readRequest(conn)
		if err != nil {
			if err != io.EOF && !s.closed.Load() {
				s.log.Warn("ipc: read request", "error", err)
			}
			return
		}

		var (
			resp   []byte
			status Status
		)
		if int(hdr.Device) >= len(s.devices) {
			status = StatusInvalidArgument
		} else {
			resp, err = s.devices[hdr.Device].Handle(hdr.Op, payload)
			status = statusFor(err)
		}

		if err := writeResponse(conn, status, resp); err != nil {
			if !s.closed.Load() {
				s.log.Warn("ipc: write response", "error", err)
			}
			return
		}
	}
}

// Close stops accepting and tears down live connections.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return err
}
