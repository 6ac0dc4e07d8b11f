package forwarding

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"beaconwatch/internal/monitor"
)

// Async decouples a Sink from the transport delivery goroutine. Records are
// queued on a bounded buffer and dropped when it is full.
type Async struct {
	sink    Sink
	queue   chan monitor.Statistics
	timeout time.Duration
	logger  zerolog.Logger

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	onDrop    func(sink string)
}

// NewAsync wraps sink with a queue of the given size.
func NewAsync(sink Sink, buffer int, timeout time.Duration, logger zerolog.Logger) *Async {
	if buffer <= 0 {
		buffer = 1
	}
	return &Async{
		sink:    sink,
		queue:   make(chan monitor.Statistics, buffer),
		timeout: timeout,
		logger:  logger.With().Str("component", "forwarding").Str("sink", sink.Name()).Logger(),
	}
}

// OnDrop registers a callback invoked for every dropped record.
func (a *Async) OnDrop(fn func(sink string)) {
	a.onDrop = fn
}

// Name returns the wrapped sink's name.
func (a *Async) Name() string {
	return a.sink.Name()
}

// Listener returns a non-blocking monitor.Listener feeding the queue.
func (a *Async) Listener() monitor.Listener {
	return a.Enqueue
}

// BlockingListener returns a listener that waits for queue space instead of
// dropping. Records are dropped only once ctx is done. Producers that do not
// run on a transport callback, such as replay, use it.
func (a *Async) BlockingListener(ctx context.Context) monitor.Listener {
	return func(stats monitor.Statistics) {
		select {
		case a.queue <- stats:
		case <-ctx.Done():
			a.drop()
		}
	}
}

// Enqueue queues stats without blocking.
func (a *Async) Enqueue(stats monitor.Statistics) {
	select {
	case a.queue <- stats:
	default:
		a.drop()
	}
}

func (a *Async) drop() {
	n := a.dropped.Add(1)
	if a.onDrop != nil {
		a.onDrop(a.sink.Name())
	}
	if n == 1 || n%100 == 0 {
		a.logger.Warn().Uint64("dropped", n).Msg("forwarding queue full, record dropped")
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.flush()
			return
		case stats := <-a.queue:
			a.deliver(ctx, stats)
		}
	}
}

func (a *Async) flush() {
	for {
		select {
		case stats := <-a.queue:
			a.deliver(context.Background(), stats)
		default:
			return
		}
	}
}

func (a *Async) deliver(parent context.Context, stats monitor.Statistics) {
	ctx := parent
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, a.timeout)
		defer cancel()
	}
	if err := a.sink.Deliver(ctx, stats); err != nil {
		a.failed.Add(1)
		a.logger.Error().Err(err).
			Uint32("source_address", stats.SourceAddress).
			Uint64("sighting_count", stats.SightingCount).
			Msg("deliver statistics failed")
		return
	}
	a.delivered.Add(1)
}

// Stats reports delivery counters.
func (a *Async) Stats() (delivered, failed, dropped uint64) {
	return a.delivered.Load(), a.failed.Load(), a.dropped.Load()
}
