// Package events fans job state changes out to subscribers. Delivery is
// at-most-once: clients that fall behind are dropped and are expected to
// resubscribe and poll the jobs API for authoritative state.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/danshapiro/autodev/internal/store"
)

// Channel is the single logical pub/sub channel all job events travel on.
const Channel = "job-events"

type Type string

const (
	JobUpdated   Type = "job.updated"
	JobCompleted Type = "job.completed"
	JobFailed    Type = "job.failed"
	JobCancelled Type = "job.cancelled"
)

// JobView is the full job as subscribers see it, with derived progress.
type JobView struct {
	*store.Job
	Progress float64 `json:"progress"`
}

// ViewOf computes the wire view of a job. Progress is completed/total
// execution steps; a completed job with zero steps counts as fully done.
func ViewOf(job *store.Job, completed, total int) JobView {
	v := JobView{Job: job}
	switch {
	case total > 0:
		v.Progress = float64(completed) / float64(total)
	case job.Status == store.StatusCompleted:
		v.Progress = 1.0
	}
	return v
}

// Event is one frame on the bus.
type Event struct {
	Type    Type    `json:"type"`
	Payload JobView `json:"payload"`
}

// Bus delivers events to in-process subscribers and, when built with a Redis
// client, publishes through Redis so other processes see the same stream. In
// Redis mode local subscribers are fed by the relay goroutine, never directly,
// so each frame arrives exactly once per subscriber.
type Bus struct {
	mu      sync.Mutex
	clients map[uint64]chan Event
	nextID  uint64
	closed  bool

	rdb    *redis.Client
	logger *log.Logger
	stop   context.CancelFunc
	done   chan struct{}
}

// New returns an in-process-only bus.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		clients: make(map[uint64]chan Event),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// NewRedis returns a bus that publishes via Redis and relays the Redis
// channel back to local subscribers, reconnecting with exponential backoff.
func NewRedis(redisURL string, logger *log.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	b := New(logger)
	b.rdb = redis.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	b.stop = cancel
	go b.relay(ctx)
	return b, nil
}

// Publish sends one event. Callers persist the underlying state change
// before publishing; a publish failure is logged and swallowed because
// subscribers can always poll.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b.rdb != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			b.logger.Printf("[events] marshal %s: %v", ev.Type, err)
			return
		}
		if err := b.rdb.Publish(ctx, Channel, data).Err(); err != nil {
			b.logger.Printf("[events] redis publish %s: %v", ev.Type, err)
		}
		return
	}
	b.deliver(ev)
}

// PublishJob builds the view and publishes in one call.
func (b *Bus) PublishJob(ctx context.Context, typ Type, job *store.Job, completed, total int) {
	b.Publish(ctx, Event{Type: typ, Payload: ViewOf(job, completed, total)})
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Slow client: drop it rather than block the worker.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns a live event channel and an unsubscribe function. The
// channel is closed on unsubscribe, on bus close, or when the subscriber
// falls behind.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.clients[id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, unsub
}

// Ping reports whether the Redis backend is reachable. An in-process bus
// is always healthy.
func (b *Bus) Ping(ctx context.Context) error {
	if b.rdb == nil {
		return nil
	}
	return b.rdb.Ping(ctx).Err()
}

func (b *Bus) relay(ctx context.Context) {
	defer close(b.done)
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			return
		}
		sub := b.rdb.Subscribe(ctx, Channel)
		msgs := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					break recv
				}
				bo.Reset()
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Printf("[events] bad frame on %s: %v", Channel, err)
					continue
				}
				b.deliver(ev)
			}
		}
		sub.Close()
		wait := bo.NextBackOff()
		b.logger.Printf("[events] redis subscription lost, retrying in %s", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Close tears down the relay and closes all subscriber channels.
func (b *Bus) Close() {
	if b.stop != nil {
		b.stop()
		<-b.done
	}
	b.mu.Lock()
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
	b.mu.Unlock()
	if b.rdb != nil {
		b.rdb.Close()
	}
}
