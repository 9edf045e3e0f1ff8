// Package notify hands push notifications to the delivery service over NATS.
// Dispatch is fire-and-forget: callers never wait on the broker, and when the
// buffer is full the notification is dropped and counted.
package notify

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper/callengine/internal/messaging"
)

// DefaultBufferSize bounds pending notifications per process.
const DefaultBufferSize = 1024

// Notification is the payload published to push.notify.
type Notification struct {
	Identity string            `json:"identity"`
	Event    string            `json:"event"`
	Payload  map[string]string `json:"payload,omitempty"`
	SentAt   int64             `json:"sent_at"`
}

// Dispatcher publishes notifications from a bounded queue on one goroutine.
type Dispatcher struct {
	pub     messaging.Publisher
	queue   chan Notification
	dropped atomic.Int64
	now     func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher and starts its publish loop.
func NewDispatcher(pub messaging.Publisher, bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	d := &Dispatcher{
		pub:   pub,
		queue: make(chan Notification, bufferSize),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues a notification. It never blocks.
func (d *Dispatcher) Notify(identity, event string, payload map[string]string) {
	n := Notification{
		Identity: identity,
		Event:    event,
		Payload:  payload,
		SentAt:   d.now().UnixMilli(),
	}
	select {
	case d.queue <- n:
	default:
		if d.dropped.Add(1)%100 == 1 {
			log.Printf("[notify] buffer full, dropped %d notifications so far", d.dropped.Load())
		}
	}
}

// Dropped returns how many notifications were discarded.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting work and waits for queued notifications to publish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.queue)
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		data, err := json.Marshal(n)
		if err != nil {
			log.Printf("[notify] marshal %s for %s: %v", n.Event, n.Identity, err)
			continue
		}
		if err := d.pub.Publish(messaging.SubjectPushNotify, data); err != nil {
			log.Printf("[notify] publish %s for %s: %v", n.Event, n.Identity, err)
		}
	}
}
