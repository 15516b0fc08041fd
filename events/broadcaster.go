package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// DefaultBuffer is the queue length used when none is configured.
const DefaultBuffer = 1024

// Sink receives encoded envelopes for fan-out.
type Sink interface {
	Broadcast(msg []byte, exclude *int64) int
}

type envelope struct {
	kind    string
	payload []byte
}

// Broadcaster hands task events to a single delivery worker through a
// bounded queue. Publish never blocks: when the queue is full or no worker
// runs the event is dropped and a warning is logged.
type Broadcaster struct {
	sink  Sink
	log   *log.Logger
	queue chan envelope

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBroadcaster creates a stopped broadcaster delivering to sink.
func NewBroadcaster(sink Sink, buffer int, logger *log.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Broadcaster{
		sink:  sink,
		log:   logger,
		queue: make(chan envelope, buffer),
	}
}

// Start launches the delivery worker. Calling Start on a running broadcaster
// is a no-op.
func (b *Broadcaster) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	b.running.Store(true)
	go b.run(ctx, done)
	b.log.WithFields(log.Fields{"buffer": cap(b.queue)}).Info("event broadcaster started")
}

// Stop halts the worker and waits for it to exit. Queued events are discarded.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	b.running.Store(false)
	cancel()
	<-done

	for {
		select {
		case <-b.queue:
			b.dropped.Add(1)
		default:
			return
		}
	}
}

// Running reports whether a delivery worker is active.
func (b *Broadcaster) Running() bool {
	return b.running.Load()
}

// Publish enqueues ev for delivery to every connection. It reports whether
// the event was accepted.
func (b *Broadcaster) Publish(ev domain.Event) bool {
	if !b.running.Load() {
		b.drop(ev.Type, "no delivery worker running")
		return false
	}
	payload, err := sonic.Marshal(ev)
	if err != nil {
		b.log.WithFields(log.Fields{"event": ev.Type, "error": err.Error()}).Error("encoding event failed")
		b.dropped.Add(1)
		return false
	}
	select {
	case b.queue <- envelope{kind: ev.Type, payload: payload}:
		b.published.Add(1)
		return true
	default:
		b.drop(ev.Type, "event queue full")
		return false
	}
}

func (b *Broadcaster) drop(kind, reason string) {
	b.dropped.Add(1)
	b.log.WithFields(log.Fields{"event": kind, "reason": reason}).Warn("event dropped")
}

func (b *Broadcaster) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.queue:
			b.deliver(env)
		}
	}
}

func (b *Broadcaster) deliver(env envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(log.Fields{"event": env.kind, "panic": r}).Error("event delivery panicked")
		}
	}()
	n := b.sink.Broadcast(env.payload, nil)
	b.log.WithFields(log.Fields{"event": env.kind, "deliveries": n}).Debug("event broadcast")
}

// Stats returns counters for accepted and dropped events.
func (b *Broadcaster) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}
