package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/WynonnaSR/hypr-opaque-media/internal/engine"
	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
	"github.com/WynonnaSR/hypr-opaque-media/internal/session"
	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

// StatusSource publishes session snapshots. Status must be safe to call from
// any goroutine.
type StatusSource interface {
	Status() session.Status
}

// DecisionSource exposes the recent tag dispatch history.
type DecisionSource interface {
	Decisions() []engine.Decision
}

// Server hosts the control socket and serves requests. It only reads
// published snapshots; reloads are queued through the reload callback.
type Server struct {
	status     StatusSource
	decisions  DecisionSource
	collector  *metrics.Collector
	logger     *util.Logger
	reload     func(reason string) error
	socketPath string

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a control server listening on path, or on
// DefaultSocketPath when path is empty.
func NewServer(path string, status StatusSource, decisions DecisionSource, collector *metrics.Collector, logger *util.Logger, reload func(reason string) error) (*Server, error) {
	if path == "" {
		var err error
		path, err = DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &Server{
		status:     status,
		decisions:  decisions,
		collector:  collector,
		logger:     logger,
		reload:     reload,
		socketPath: path,
	}, nil
}

// SocketPath reports where the server listens.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Serve listens on the control socket until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.prepareSocket(); err != nil {
		return err
	}
	s.logger.Infof("control server listening on %s", s.socketPath)
	defer s.cleanup()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Errorf("control accept error: %v", err)
			continue
		}
		go s.handle(conn)
	}
}

func (s *Server) accept(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return nil, context.Canceled
	}
	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func (s *Server) prepareSocket() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

func (s *Server) cleanup() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("remove control socket: %v", err)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.writeError(conn, fmt.Errorf("decode request: %w", err))
		return
	}
	s.logger.Debugf("control request %q", req.Action)
	switch req.Action {
	case ActionStatus:
		s.writeOK(conn, s.statusReport())
	case ActionMetrics:
		s.handleMetrics(conn)
	case ActionDecisions:
		s.writeOK(conn, DecisionsReport{Decisions: s.decisions.Decisions()})
	case ActionReload:
		s.handleReload(conn)
	default:
		s.writeError(conn, fmt.Errorf("unknown action %q", req.Action))
	}
}

func (s *Server) statusReport() StatusReport {
	st := s.status.Status()
	report := StatusReport{
		SessionID:       st.SessionID,
		Connected:       st.Connected,
		Connections:     st.Connections,
		ConnectedAt:     st.ConnectedAt,
		LastEvent:       st.LastEvent,
		Tag:             st.Tag,
		BufferBytes:     st.BufferBytes,
		BufferOverflows: st.BufferOverflows,
		Reloads:         st.Reloads,
		PeakWindows:     st.PeakWindows,
		Windows:         make([]WindowInfo, 0, len(st.Windows)),
	}
	for _, w := range st.Windows {
		report.Windows = append(report.Windows, WindowInfo{
			Address:    w.Address,
			Class:      w.Class,
			Title:      w.Title,
			Fullscreen: w.Fullscreen,
			Minimized:  w.Minimized,
			Urgent:     w.Urgent,
			Tags:       w.Tags.Sorted(),
			Tagged:     w.Tags.Has(st.Tag),
		})
	}
	return report
}

func (s *Server) handleMetrics(conn net.Conn) {
	if !s.collector.Enabled() {
		s.writeError(conn, errors.New("metrics are disabled (set enable_metrics in the config)"))
		return
	}
	s.writeOK(conn, s.collector.Snapshot())
}

func (s *Server) handleReload(conn net.Conn) {
	if s.reload == nil {
		s.writeError(conn, errors.New("reload not supported"))
		return
	}
	if err := s.reload("control request"); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) writeOK(conn net.Conn, data any) {
	resp := Response{Status: StatusOK}
	if data != nil {
		resp.Data = data
	}
	_ = json.NewEncoder(conn).Encode(resp)
}

func (s *Server) writeError(conn net.Conn, err error) {
	resp := Response{Status: StatusError}
	if err != nil {
		resp.Error = err.Error()
	}
	_ = json.NewEncoder(conn).Encode(resp)
}
