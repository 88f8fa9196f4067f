package control

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/WynonnaSR/hypr-opaque-media/internal/engine"
	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
)

const (
	// SocketFileName is the filename of the control socket within the runtime dir.
	SocketFileName = "control.sock"

	// Action names supported by the control protocol.
	ActionStatus    = "status"
	ActionMetrics   = "metrics"
	ActionDecisions = "decisions"
	ActionReload    = "reload"

	// Response statuses.
	StatusOK    = "ok"
	StatusError = "error"
)

// Request represents a control API request.
type Request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Response represents a control API response.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// WindowInfo is one tracked window as reported by the status action.
type WindowInfo struct {
	Address    string   `json:"address"`
	Class      string   `json:"class"`
	Title      string   `json:"title"`
	Fullscreen bool     `json:"fullscreen,omitempty"`
	Minimized  bool     `json:"minimized,omitempty"`
	Urgent     bool     `json:"urgent,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Tagged     bool     `json:"tagged"`
}

// StatusReport summarizes the event session and the window cache.
type StatusReport struct {
	SessionID       string       `json:"sessionId,omitempty"`
	Connected       bool         `json:"connected"`
	Connections     int          `json:"connections"`
	ConnectedAt     time.Time    `json:"connectedAt,omitzero"`
	LastEvent       time.Time    `json:"lastEvent,omitzero"`
	Tag             string       `json:"tag"`
	BufferBytes     int          `json:"bufferBytes"`
	BufferOverflows int          `json:"bufferOverflows"`
	Reloads         int          `json:"reloads"`
	PeakWindows     int          `json:"peakWindows"`
	Windows         []WindowInfo `json:"windows"`
}

// Tagged counts the windows currently carrying the managed tag.
func (s StatusReport) Tagged() int {
	n := 0
	for _, w := range s.Windows {
		if w.Tagged {
			n++
		}
	}
	return n
}

// DecisionsReport lists the most recent tag dispatches, oldest first.
type DecisionsReport struct {
	Decisions []engine.Decision `json:"decisions"`
}

// MetricsReport is the in-memory collector snapshot.
type MetricsReport = metrics.Snapshot

// DefaultSocketPath returns the expected location of the control socket.
func DefaultSocketPath() (string, error) {
	if env := os.Getenv("HYPRO_CONTROL_SOCKET"); env != "" {
		return env, nil
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	base := runtimeDir
	if base == "" {
		base = os.TempDir()
		if base == "" {
			return "", errors.New("no runtime directory available")
		}
	}
	return filepath.Join(base, "hypr-opaque-media", SocketFileName), nil
}
