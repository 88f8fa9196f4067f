package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/WynonnaSR/hypr-opaque-media/internal/control"
)

const (
	// defaultTimeout is used when the caller does not provide a context deadline.
	defaultTimeout = 3 * time.Second
)

// Client talks to the running daemon over its control socket.
type Client struct {
	socketPath string
}

type (
	// StatusReport summarizes the daemon's event session and window cache.
	StatusReport = control.StatusReport
	// WindowInfo is one tracked window within a status report.
	WindowInfo = control.WindowInfo
	// DecisionsReport lists recent tag dispatches.
	DecisionsReport = control.DecisionsReport
	// MetricsReport is the daemon's in-memory metrics snapshot.
	MetricsReport = control.MetricsReport
)

// New creates a client that connects to the provided socket path. When path is
// empty, the default runtime path is used.
func New(path string) (*Client, error) {
	if path == "" {
		var err error
		path, err = control.DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &Client{socketPath: path}, nil
}

// Status retrieves the daemon's session state and tracked windows.
func (c *Client) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport
	if err := c.do(ctx, control.Request{Action: control.ActionStatus}, &report); err != nil {
		return StatusReport{}, err
	}
	return report, nil
}

// Metrics retrieves the daemon's metrics snapshot. It fails when metrics are
// disabled in the daemon's configuration.
func (c *Client) Metrics(ctx context.Context) (MetricsReport, error) {
	var report MetricsReport
	if err := c.do(ctx, control.Request{Action: control.ActionMetrics}, &report); err != nil {
		return MetricsReport{}, err
	}
	return report, nil
}

// Decisions retrieves the most recent tag dispatches.
func (c *Client) Decisions(ctx context.Context) (DecisionsReport, error) {
	var report DecisionsReport
	if err := c.do(ctx, control.Request{Action: control.ActionDecisions}, &report); err != nil {
		return DecisionsReport{}, err
	}
	return report, nil
}

// Reload asks the daemon to reload its configuration.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, control.Request{Action: control.ActionReload}, nil)
}

func (c *Client) do(ctx context.Context, req control.Request, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var resp struct {
		Status string          `json:"status"`
		Error  string          `json:"error"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != control.StatusOK {
		if resp.Error == "" {
			resp.Error = "unknown control error"
		}
		return errors.New(resp.Error)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
