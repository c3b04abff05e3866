package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"ingest/internal/metrics"
)

// Server listens for TCP connections carrying newline-delimited JSON
// config deltas or "status" requests, one connection per control client.
// Each connection is served in its own goroutine; the adapter itself is
// not safe for concurrent use, so Server serialises Apply/Status calls
// behind a mutex rather than assuming the caller does.
type Server struct {
	ln      net.Listener
	adapter *Adapter
	log     *log.Logger
	met     *metrics.Metrics
	mu      sync.Mutex

	wg sync.WaitGroup
}

// Listen opens the control-plane TCP listener at addr. met may be nil,
// in which case control errors are simply not counted.
func Listen(addr string, adapter *Adapter, logger *log.Logger, met *metrics.Metrics) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, adapter: adapter, log: logger, met: met}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. It blocks; callers run it in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// request is the wire envelope one control message arrives in: either a
// configuration delta or a status query, distinguished by cmd.
type request struct {
	Cmd   string          `json:"cmd"`
	Delta json.RawMessage `json:"delta"`
}

type reply struct {
	OK     bool    `json:"ok"`
	Error  string  `json:"error,omitempty"`
	Status *Status `json:"status,omitempty"`
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	s.log.Printf("controlplane: connection from %s", conn.RemoteAddr())
	defer s.log.Printf("controlplane: connection from %s closed", conn.RemoteAddr())

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "closed") {
				s.log.Printf("controlplane: decode error: %v", err)
			}
			return
		}

		rep := s.dispatch(req)
		if err := enc.Encode(rep); err != nil {
			s.log.Printf("controlplane: reply error: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(req request) reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch strings.ToLower(req.Cmd) {
	case "apply":
		var delta Delta
		if err := json.Unmarshal(req.Delta, &delta); err != nil {
			s.countError()
			return reply{Error: err.Error()}
		}
		if err := s.adapter.Apply(delta); err != nil {
			s.countError()
			return reply{Error: err.Error()}
		}
		return reply{OK: true}

	case "status":
		st := s.adapter.Status()
		return reply{OK: true, Status: &st}

	default:
		s.countError()
		return reply{Error: "controlplane: unknown cmd " + req.Cmd}
	}
}

// CheckAutoStop reports whether the run's configured frame-count target
// has just been reached, flipping the adapter out of the writing state if
// so. The writer thread calls this after every frame it writes; it takes
// the same mutex dispatch does, so a frame landing mid-Apply can't race
// the transition.
func (s *Server) CheckAutoStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter.AutoStopIfTargetReached()
}

func (s *Server) countError() {
	if s.met != nil {
		s.met.ControlError()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}
