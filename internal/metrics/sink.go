package metrics

import "time"

// Counter names a monotonically increasing daemon counter.
type Counter string

const (
	EventsProcessed      Counter = "events_processed"
	HyprctlCalls         Counter = "hyprctl_calls"
	HyprctlErrors        Counter = "hyprctl_errors"
	BytesRead            Counter = "bytes_read"
	UnsupportedEvents    Counter = "unsupported_events"
	BufferSizeExceeded   Counter = "buffer_size_exceeded"
	TagOperations        Counter = "tag_operations"
	TagDispatchErrors    Counter = "tag_dispatch_errors"
	ConfigReloads        Counter = "config_reloads"
	NotificationsSent    Counter = "notifications_sent"
	InvalidRegexPatterns Counter = "invalid_regex_patterns"
	Reconnects           Counter = "reconnects"
	LogFileRotations     Counter = "log_file_rotations"
)

// Counters lists every counter in summary order.
var Counters = []Counter{
	EventsProcessed,
	HyprctlCalls,
	HyprctlErrors,
	BytesRead,
	UnsupportedEvents,
	BufferSizeExceeded,
	TagOperations,
	TagDispatchErrors,
	ConfigReloads,
	NotificationsSent,
	InvalidRegexPatterns,
	Reconnects,
	LogFileRotations,
}

// Sink receives telemetry from the daemon components. Implementations must be
// safe for concurrent use.
type Sink interface {
	Add(name Counter, delta uint64)
	SetCacheSize(n int)
	ObserveEvent(kind string, d time.Duration)
	ObserveReload(d time.Duration)
}

// Inc adds one to name on sink, tolerating a nil sink.
func Inc(sink Sink, name Counter) {
	if sink == nil {
		return
	}
	sink.Add(name, 1)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Add(Counter, uint64)                {}
func (discard) SetCacheSize(int)                   {}
func (discard) ObserveEvent(string, time.Duration) {}
func (discard) ObserveReload(time.Duration)        {}

// Multi fans every observation out to each non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Discard
	case 1:
		return out[0]
	}
	return out
}

type multi []Sink

func (m multi) Add(name Counter, delta uint64) {
	for _, s := range m {
		s.Add(name, delta)
	}
}

func (m multi) SetCacheSize(n int) {
	for _, s := range m {
		s.SetCacheSize(n)
	}
}

func (m multi) ObserveEvent(kind string, d time.Duration) {
	for _, s := range m {
		s.ObserveEvent(kind, d)
	}
}

func (m multi) ObserveReload(d time.Duration) {
	for _, s := range m {
		s.ObserveReload(d)
	}
}
