package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/WynonnaSR/hypr-opaque-media/internal/config"
	"github.com/WynonnaSR/hypr-opaque-media/internal/engine"
	"github.com/WynonnaSR/hypr-opaque-media/internal/ipc"
	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
	"github.com/WynonnaSR/hypr-opaque-media/internal/notify"
	"github.com/WynonnaSR/hypr-opaque-media/internal/state"
	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

// ErrReconnectExhausted is returned by Run when max_reconnect_attempts
// consecutive connection attempts have failed.
var ErrReconnectExhausted = errors.New("event socket reconnect attempts exhausted")

const (
	initialBackoff     = 500 * time.Millisecond
	maxBackoff         = 5 * time.Second
	backoffMultiplier  = 2
	stillTryingEvery   = 10
	loopRetryDelay     = time.Second
	focusedMonitorName = "focusedmon"
)

// Dialer opens a connection to the compositor event stream.
type Dialer func(ctx context.Context) (net.Conn, error)

// ConfigSource supplies rulesets when the configuration is reloaded.
type ConfigSource interface {
	// Changed reports whether the configuration on disk differs from the
	// last one Load saw.
	Changed() bool
	// Load reads and compiles the configuration. Errors wrapping
	// config.ErrInvalidTag are fatal; any other error keeps the current
	// ruleset in place.
	Load(ctx context.Context, reason string) (*engine.Ruleset, error)
}

// Options configures a Supervisor. Dial and Source are required.
type Options struct {
	Dial      Dialer
	Source    ConfigSource
	Requests  <-chan string
	Notifier  notify.Notifier
	Metrics   metrics.Sink
	Collector *metrics.Collector
	Logger    *util.Logger
}

// Status is an immutable snapshot of the supervisor published for readers on
// other goroutines.
type Status struct {
	SessionID       string         `json:"session_id,omitempty"`
	Connected       bool           `json:"connected"`
	Connections     int            `json:"connections"`
	ConnectedAt     time.Time      `json:"connected_at,omitzero"`
	LastEvent       time.Time      `json:"last_event,omitzero"`
	BufferBytes     int            `json:"buffer_bytes"`
	BufferOverflows int            `json:"buffer_overflows"`
	Reloads         int            `json:"reloads"`
	Tag             string         `json:"tag"`
	Windows         []state.Window `json:"-"`
	PeakWindows     int            `json:"peak_windows"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Supervisor owns the event socket. It connects with backoff, frames the
// stream into events, feeds the processor, runs periodic maintenance and
// applies configuration reloads, all from the goroutine calling Run.
type Supervisor struct {
	processor *engine.Processor
	dial      Dialer
	source    ConfigSource
	requests  <-chan string
	notifier  notify.Notifier
	metrics   metrics.Sink
	collector *metrics.Collector
	baseLog   *util.Logger
	log       *util.Logger

	buffer *EventBuffer
	sched  schedule

	connections int
	sessionID   string
	connectedAt time.Time
	reloads     int

	status atomic.Pointer[Status]

	now        func() time.Time
	newBackOff func() backoff.BackOff
	retryDelay time.Duration
}

type schedule struct {
	lastEvent     time.Time
	lastHeartbeat time.Time
	nextSweep     time.Time
	nextBufferLog time.Time
	nextPoll      time.Time
}

// New returns a supervisor driving processor.
func New(processor *engine.Processor, opts Options) *Supervisor {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	cfg := processor.Ruleset().Config
	s := &Supervisor{
		processor:  processor,
		dial:       opts.Dial,
		source:     opts.Source,
		requests:   opts.Requests,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		collector:  opts.Collector,
		baseLog:    opts.Logger,
		log:        opts.Logger,
		buffer:     NewEventBuffer(cfg.MaxBufferSizeBytes, opts.Logger, opts.Metrics),
		now:        time.Now,
		newBackOff: defaultBackOff,
		retryDelay: loopRetryDelay,
	}
	s.status.Store(&Status{Tag: cfg.Tag})
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.Multiplier = backoffMultiplier
	b.MaxInterval = maxBackoff
	b.RandomizationFactor = 0
	return b
}

// Status returns the most recently published snapshot.
func (s *Supervisor) Status() Status {
	return *s.status.Load()
}

// Run connects to the event socket and processes events until ctx is
// cancelled, reconnect attempts are exhausted or a reload hits a fatal
// configuration error. Cancellation returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.logFinalMetrics()
	s.resetSchedule(s.now())
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = s.serve(ctx, conn)
		_ = conn.Close()
		s.publish(false)
		s.log = s.baseLog
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, config.ErrInvalidTag) {
			return err
		}
		metrics.Inc(s.metrics, metrics.Reconnects)
		if errors.Is(err, io.EOF) {
			s.log.Warnf("event socket closed by compositor, reconnecting in %s", s.retryDelay)
		} else {
			s.log.Errorf("unhandled error in event loop: %v (reconnecting in %s)", err, s.retryDelay)
			s.notify(ctx, fmt.Sprintf("hypr-opaque-media error: %v", err))
		}
		if err := sleepContext(ctx, s.retryDelay); err != nil {
			return nil
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (net.Conn, error) {
	maxAttempts := s.processor.Ruleset().Config.MaxReconnectAttempts
	attempt := 0
	operation := func() (net.Conn, error) {
		attempt++
		conn, err := s.dial(ctx)
		if err != nil {
			s.log.Warnf("event socket connect failed (attempt %d): %v", attempt, err)
			if maxAttempts == 0 && attempt%stillTryingEvery == 0 {
				s.log.Warnf("still trying to connect to the event socket (attempt %d)", attempt)
			}
			return nil, err
		}
		return conn, nil
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxElapsedTime(0),
	}
	if maxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(maxAttempts)))
	}
	conn, err := backoff.Retry(ctx, operation, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := fmt.Sprintf("failed to connect to the event socket after %d attempts", attempt)
		s.log.Errorf("%s: %v", msg, err)
		s.notify(ctx, msg)
		return nil, fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
	}
	return conn, nil
}

func (s *Supervisor) serve(ctx context.Context, conn net.Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in event loop: %v", r)
		}
	}()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.connections++
	s.sessionID = uuid.NewString()
	s.connectedAt = s.now()
	s.log = s.baseLog.With("session", s.sessionID)
	s.buffer.Reset()
	s.log.Infof("connected to Hyprland event socket (connection %d)", s.connections)

	if s.connections > 1 {
		if err := s.processor.Rebuild(ctx); err != nil {
			s.log.Warnf("rebuild after reconnect failed: %v", err)
		}
	}
	s.publish(true)

	var chunk []byte
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.maintain(ctx, s.now()); err != nil {
			return err
		}
		cfg := s.processor.Ruleset().Config
		if len(chunk) != cfg.SocketBufferSizeBytes {
			chunk = make([]byte, cfg.SocketBufferSizeBytes)
		}
		_ = conn.SetReadDeadline(s.now().Add(cfg.SocketTimeout()))
		n, readErr := conn.Read(chunk)
		if n > 0 {
			if err := s.consume(ctx, chunk[:n]); err != nil {
				return nil
			}
		}
		if readErr != nil {
			var netErr net.Error
			if errors.As(readErr, &netErr) && netErr.Timeout() {
				s.log.Debugf("socket read timeout, no data")
				s.publish(true)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event socket: %w", readErr)
		}
		s.publish(true)
	}
}

// consume frames one read and hands every decoded event to the processor.
// The only error is context cancellation.
func (s *Supervisor) consume(ctx context.Context, data []byte) error {
	s.metrics.Add(metrics.BytesRead, uint64(len(data)))
	now := s.now()
	s.sched.lastEvent = now
	if !s.buffer.Append(data) {
		return nil
	}
	for _, line := range s.buffer.Lines() {
		ev, ok := ipc.Decode(line)
		if !ok || ev.Name == focusedMonitorName {
			continue
		}
		s.sched.lastEvent = s.now()
		if err := s.processor.Handle(ctx, ev); err != nil {
			return err
		}
		s.maybeLogMetrics()
	}
	return nil
}

func (s *Supervisor) maybeLogMetrics() {
	if !s.collector.Enabled() {
		return
	}
	every := s.processor.Ruleset().Config.MetricsLogEvery
	if every <= 0 {
		return
	}
	if n := s.collector.Count(metrics.EventsProcessed); n > 0 && n%uint64(every) == 0 {
		s.log.Infof("%s", s.collector.Snapshot().Summary())
	}
}

func (s *Supervisor) logFinalMetrics() {
	if !s.collector.Enabled() {
		return
	}
	s.baseLog.Infof("final %s", s.collector.Snapshot().Summary())
}

func (s *Supervisor) resetSchedule(now time.Time) {
	cfg := s.processor.Ruleset().Config
	s.sched = schedule{
		lastEvent:     now,
		lastHeartbeat: now,
		nextSweep:     now.Add(cfg.CacheCleanInterval()),
		nextBufferLog: now.Add(cfg.BufferLogInterval()),
		nextPoll:      now.Add(cfg.PollInterval()),
	}
}

// maintain runs the periodic housekeeping tasks that are due at now. Each
// task keeps its own interval.
func (s *Supervisor) maintain(ctx context.Context, now time.Time) error {
	cfg := s.processor.Ruleset().Config

	heartbeat := cfg.HeartbeatInterval()
	if now.Sub(s.sched.lastEvent) >= heartbeat && now.Sub(s.sched.lastHeartbeat) >= heartbeat {
		s.log.Debugf("no events received in last %s", heartbeat)
		s.sched.lastHeartbeat = now
	}

	if !now.Before(s.sched.nextBufferLog) {
		s.log.Debugf("current event buffer size: %d bytes (exceeded %d times)", s.buffer.Len(), s.buffer.Overflows())
		s.sched.nextBufferLog = now.Add(cfg.BufferLogInterval())
	}

	if !now.Before(s.sched.nextSweep) {
		s.log.Debugf("event buffer size before cache cleanup: %d bytes", s.buffer.Len())
		s.processor.Sweep(ctx)
		s.sched.nextSweep = now.Add(cfg.CacheCleanInterval())
	}

	reason := s.pendingRequest()
	if reason == "" && !cfg.UseWatchdog && !now.Before(s.sched.nextPoll) {
		s.sched.nextPoll = now.Add(cfg.PollInterval())
		if s.source != nil && s.source.Changed() {
			reason = "config file changed"
		}
	}
	if reason == "" {
		return nil
	}
	return s.reload(ctx, reason)
}

// pendingRequest drains queued reload requests and returns the most recent
// reason, or "" when none are queued.
func (s *Supervisor) pendingRequest() string {
	reason := ""
	for {
		select {
		case r, ok := <-s.requests:
			if !ok {
				s.requests = nil
				return reason
			}
			if r == "" {
				r = "reload requested"
			}
			reason = r
		default:
			return reason
		}
	}
}

// reload swaps in a freshly loaded ruleset and re-evaluates every window.
// Only fatal configuration errors are returned.
func (s *Supervisor) reload(ctx context.Context, reason string) error {
	if s.source == nil {
		return nil
	}
	start := s.now()
	rs, err := s.source.Load(ctx, reason)
	if err != nil {
		if errors.Is(err, config.ErrInvalidTag) {
			return fmt.Errorf("reload config: %w", err)
		}
		s.log.Errorf("config reload (%s) failed, keeping previous configuration: %v", reason, err)
		return nil
	}
	s.processor.SetRuleset(rs)
	s.buffer.SetLimit(rs.Config.MaxBufferSizeBytes)
	if err := s.processor.Rebuild(ctx); err != nil {
		s.log.Warnf("rebuild after config reload failed: %v", err)
	}
	s.buffer.Reset()
	s.log.Debugf("cleared event buffer due to config reload")
	s.reloads++
	metrics.Inc(s.metrics, metrics.ConfigReloads)
	s.metrics.ObserveReload(s.now().Sub(start))
	s.log.Infof("config reloaded (%s): %s", reason, rs.Config.Summary())
	s.publish(true)
	return nil
}

func (s *Supervisor) notify(ctx context.Context, body string) {
	if !s.processor.Ruleset().Config.NotifyOnErrors {
		return
	}
	if err := s.notifier.Notify(ctx, "hypr-opaque-media", body); err != nil {
		s.log.Warnf("send notification: %v", err)
	}
}

func (s *Supervisor) publish(connected bool) {
	_, peak := s.processor.Len()
	st := &Status{
		SessionID:       s.sessionID,
		Connected:       connected,
		Connections:     s.connections,
		ConnectedAt:     s.connectedAt,
		LastEvent:       s.sched.lastEvent,
		BufferBytes:     s.buffer.Len(),
		BufferOverflows: s.buffer.Overflows(),
		Reloads:         s.reloads,
		Tag:             s.processor.Ruleset().Config.Tag,
		Windows:         s.processor.Windows(),
		PeakWindows:     peak,
		UpdatedAt:       s.now(),
	}
	s.status.Store(st)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
