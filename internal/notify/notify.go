package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/time/rate"

	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

const (
	notificationsService   = "org.freedesktop.Notifications"
	notificationsPath      = "/org/freedesktop/Notifications"
	notificationsInterface = "org.freedesktop.Notifications"

	appName         = "hypr-opaque-media"
	urgencyCritical = byte(2)
	expireTimeout   = int32(-1)
)

// Notifier delivers desktop notifications about daemon errors.
type Notifier interface {
	Notify(ctx context.Context, summary, body string) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string, string) error { return nil }

// DBus sends notifications through org.freedesktop.Notifications on the
// session bus. The bus connection is opened lazily and reused.
type DBus struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// NewDBus returns a notifier that connects on first use.
func NewDBus() *DBus {
	return &DBus{}
}

func (d *DBus) Notify(ctx context.Context, summary, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return fmt.Errorf("failed to connect to session bus: %w", err)
		}
		d.conn = conn
	}
	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(urgencyCritical)}
	obj := d.conn.Object(notificationsService, dbus.ObjectPath(notificationsPath))
	call := obj.CallWithContext(ctx, notificationsInterface+".Notify", 0,
		appName, uint32(0), "", summary, body, []string{}, hints, expireTimeout)
	if call.Err != nil {
		d.conn.Close()
		d.conn = nil
		return fmt.Errorf("send notification: %w", call.Err)
	}
	return nil
}

// Close releases the bus connection.
func (d *DBus) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Limited wraps a Notifier with a token bucket so a crash loop cannot flood
// the desktop. Dropped notifications are logged at debug level; delivery
// errors are returned to the caller unlogged.
type Limited struct {
	next    Notifier
	limiter *rate.Limiter
	logger  *util.Logger
	metrics metrics.Sink
}

// NewLimited allows one notification per interval with the given burst.
func NewLimited(next Notifier, interval time.Duration, burst int, logger *util.Logger, sink metrics.Sink) *Limited {
	if sink == nil {
		sink = metrics.Discard
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		logger:  logger,
		metrics: sink,
	}
}

func (l *Limited) Notify(ctx context.Context, summary, body string) error {
	if !l.limiter.Allow() {
		l.logger.Debugf("notification suppressed: %s", summary)
		return nil
	}
	if err := l.next.Notify(ctx, summary, body); err != nil {
		return err
	}
	metrics.Inc(l.metrics, metrics.NotificationsSent)
	return nil
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*DBus)(nil)
	_ Notifier = (*Limited)(nil)
)
