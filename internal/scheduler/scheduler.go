package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval with the bucket the tick closes.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval      time.Duration
	AlignToBucket bool
	StartupDelay  time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler drives periodic session summaries.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick once per interval until ctx is cancelled. Tick
// errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if !s.sleep(ctx, s.opts.StartupDelay) {
			return ctx.Err()
		}
	}

	next := s.nextTick(s.opts.Now().UTC())
	for {
		delay := next.Sub(s.opts.Now())
		if delay < 0 {
			// 处理耗时超过一个周期时跳过错过的桶。
			next = s.nextTick(s.opts.Now().UTC())
			delay = next.Sub(s.opts.Now())
		}

		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")
		if !s.sleep(ctx, delay) {
			return ctx.Err()
		}

		bucket := s.bucketStart(next)
		if err := tick(ctx, bucket); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

// bucketStart returns the start of the bucket that ends at t.
func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return t.Add(-s.opts.Interval)
	}
	return t.Truncate(s.opts.Interval).Add(-s.opts.Interval)
}
