package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config tunes a Dispatcher.
type Config struct {
	BufferSize int
	// DropIfFull makes Emit discard events instead of waiting for space.
	DropIfFull bool
}

// Stats is a point-in-time view of a Dispatcher.
type Stats struct {
	Delivered uint64
	Dropped   uint64
	// Failed counts events whose sink panicked.
	Failed  uint64
	Pending int
}

// Dispatcher relays events from any number of Managers to one sink on a
// single goroutine. A nil *Dispatcher accepts and discards everything.
type Dispatcher struct {
	sink       Sink
	dropIfFull bool
	queue      chan Event

	seq       atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	closing  atomic.Bool
	abandon  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if sink == nil {
		sink = NoOpSink{}
	}
	d := &Dispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		queue:      make(chan Event, max(cfg.BufferSize, 1)),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Emit stamps event with the next sequence number and, when unset, the
// current time, then queues it. Without DropIfFull it waits for space until
// ctx is done; an event abandoned that way counts as dropped.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closing.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	event.Seq = d.seq.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if d.dropIfFull {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) loop() {
	defer close(d.stopped)

	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.stop:
			for !d.abandon.Load() {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
			d.dropped.Add(uint64(len(d.queue)))
			return
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	defer func() {
		if recover() != nil {
			d.failed.Add(1)
		}
	}()
	d.sink.Emit(context.Background(), event)
	d.delivered.Add(1)
}

// Shutdown stops accepting events and waits until the queue is drained or
// ctx is done. Events still queued at that point are counted as dropped.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.stopOnce.Do(func() {
		d.closing.Store(true)
		close(d.stop)
	})

	select {
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		d.abandon.Store(true)
		return ctx.Err()
	}
}

// Close is Shutdown without a deadline.
func (d *Dispatcher) Close() {
	_ = d.Shutdown(context.Background())
}

// Dropped counts events lost to a full queue.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
		Pending:   len(d.queue),
	}
}
