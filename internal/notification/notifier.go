// Package notification delivers operator alerts (restart failures, lost
// data, shutdown) to external channels.
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
	Session string     `json:"session,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts instead of delivering them.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Dispatcher fans alerts out to notifiers from a background goroutine so
// callers on the acquisition path never block on the network.
type Dispatcher struct {
	notifiers []Notifier
	session   string
	queue     chan Alert
	timeout   time.Duration

	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	dropped int
	closed  bool
}

// NewDispatcher starts a dispatcher. Alerts beyond a backlog of 64 are dropped.
func NewDispatcher(session string, notifiers ...Notifier) *Dispatcher {
	d := &Dispatcher{
		notifiers: notifiers,
		session:   session,
		queue:     make(chan Alert, 64),
		timeout:   10 * time.Second,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for a := range d.queue {
		for _, n := range d.notifiers {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := n.Send(ctx, a); err != nil {
				log.Printf("[notify] delivery failed: %v", err)
			}
			cancel()
		}
	}
}

// Notify queues an alert.
func (d *Dispatcher) Notify(level AlertLevel, title, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- Alert{Level: level, Title: title, Message: message, Session: d.session}:
	default:
		d.dropped++
	}
}

// Dropped returns how many alerts were discarded because the backlog was full.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close delivers queued alerts and stops the dispatcher.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}
