package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"beaconwatch/internal/monitor"
)

// ProximityAlerter notifies when a source comes within the threshold distance.
// Each source is alerted at most once per cooldown.
type ProximityAlerter struct {
	threshold decimal.Decimal
	cooldown  time.Duration
	notifiers []Notifier
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	lastSent map[uint32]time.Time
}

// NewProximityAlerter constructs an alerter. A nil clock defaults to time.Now.
func NewProximityAlerter(thresholdMeters float64, cooldown time.Duration, clock func() time.Time, logger zerolog.Logger, notifiers ...Notifier) *ProximityAlerter {
	if clock == nil {
		clock = time.Now
	}
	return &ProximityAlerter{
		threshold: decimal.NewFromFloat(thresholdMeters),
		cooldown:  cooldown,
		notifiers: notifiers,
		now:       clock,
		logger:    logger.With().Str("component", "alerting").Logger(),
		lastSent:  make(map[uint32]time.Time),
	}
}

// Name implements the forwarding sink contract.
func (a *ProximityAlerter) Name() string {
	return "alerting"
}

// Deliver evaluates one statistics record.
func (a *ProximityAlerter) Deliver(ctx context.Context, stats monitor.Statistics) error {
	distance := decimal.NewFromFloat(stats.DistanceMeters)
	if distance.GreaterThan(a.threshold) {
		return nil
	}
	if !a.claim(stats.SourceAddress) {
		return nil
	}

	note := Notification{
		SessionID:       stats.SessionID.String(),
		SourceAddress:   stats.SourceAddress,
		PeerAddress:     stats.PeerAddress,
		ReceivedAt:      stats.ReceivedAt,
		DistanceMeters:  distance,
		ThresholdMeters: a.threshold,
		SignalDBm:       decimal.NewFromFloat(stats.SignalStrengthDBm),
		SightingCount:   stats.SightingCount,
	}

	var errs []error
	for _, n := range a.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(a.notifiers) {
		// 全部渠道失败时允许下一条记录重试。
		a.release(stats.SourceAddress)
		return fmt.Errorf("notify proximity: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		a.logger.Warn().Err(err).Msg("部分告警渠道发送失败")
	}
	return nil
}

func (a *ProximityAlerter) claim(source uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if last, ok := a.lastSent[source]; ok && now.Sub(last) < a.cooldown {
		return false
	}
	a.lastSent[source] = now
	return true
}

func (a *ProximityAlerter) release(source uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.lastSent, source)
}
