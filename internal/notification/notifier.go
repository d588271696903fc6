// Package notification delivers operational alerts (feed drops, storage
// outages) to external channels.
package notification

import (
	"context"
	"log"
	"sync"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts. It is the fallback when no channel is configured.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Dispatcher sends alerts asynchronously so callers on the hot path
// never wait on a network round trip. Repeats of the same title within
// cooldown are suppressed.
type Dispatcher struct {
	notifiers []Notifier
	cooldown  time.Duration
	queue     chan Alert
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time

	// OnError is called when a backend fails (optional).
	OnError func(err error)
}

// NewDispatcher creates a Dispatcher over notifiers. With no notifiers it
// falls back to a LogNotifier.
func NewDispatcher(cooldown time.Duration, notifiers ...Notifier) *Dispatcher {
	if len(notifiers) == 0 {
		notifiers = []Notifier{NewLogNotifier()}
	}
	return &Dispatcher{
		notifiers: notifiers,
		cooldown:  cooldown,
		queue:     make(chan Alert, 64),
		now:       time.Now,
		lastSent:  make(map[string]time.Time),
	}
}

// Notify queues alert unless it repeats a recent one or the queue is full.
// Reports whether the alert was queued.
func (d *Dispatcher) Notify(alert Alert) bool {
	now := d.now()
	d.mu.Lock()
	if last, ok := d.lastSent[alert.Title]; ok && d.cooldown > 0 && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		return false
	}
	d.lastSent[alert.Title] = now
	d.mu.Unlock()

	select {
	case d.queue <- alert:
		return true
	default:
		log.Printf("[notify] queue full, dropping alert %q", alert.Title)
		return false
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-d.queue:
			for _, n := range d.notifiers {
				sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err := n.Send(sendCtx, alert)
				cancel()
				if err != nil {
					log.Printf("[notify] delivery failed: %v", err)
					if d.OnError != nil {
						d.OnError(err)
					}
				}
			}
		}
	}
}
