package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"beaconwatch/internal/distance"
	"beaconwatch/internal/payload"
	"beaconwatch/internal/transport"
)

// Options tune the processor.
type Options struct {
	Estimator distance.Estimator
	Reporter  Reporter
	// Clock defaults to time.Now; replay injects a virtual clock.
	Clock func() time.Time
}

type registration struct {
	id ListenerID
	fn Listener
}

// Processor turns raw transport events into statistics records.
type Processor struct {
	estimator distance.Estimator
	reporter  Reporter
	now       func() time.Time
	logger    zerolog.Logger

	mu      sync.Mutex
	session Session

	lmu       sync.RWMutex
	listeners []registration
	nextID    ListenerID
}

// NewProcessor constructs an idle processor.
func NewProcessor(opts Options, logger zerolog.Logger) *Processor {
	if opts.Estimator == (distance.Estimator{}) {
		opts.Estimator = distance.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Reporter == nil {
		opts.Reporter = NewLogReporter(logger)
	}

	return &Processor{
		estimator: opts.Estimator,
		reporter:  opts.Reporter,
		now:       opts.Clock,
		logger:    logger.With().Str("component", "monitor").Logger(),
	}
}

// Start resets the counters and begins accepting events. Calling it while
// listening restarts the session.
func (p *Processor) Start() Session {
	p.mu.Lock()
	p.session = Session{
		ID:        uuid.New(),
		State:     Listening,
		StartedAt: p.now(),
	}
	snapshot := p.session
	p.mu.Unlock()

	p.logger.Info().Str("session_id", snapshot.ID.String()).Msg("listening started")
	return snapshot
}

// Stop ignores further events until the next Start. Counters are kept.
func (p *Processor) Stop() Session {
	p.mu.Lock()
	p.session.State = Idle
	snapshot := p.session
	p.mu.Unlock()

	p.logger.Info().
		Str("session_id", snapshot.ID.String()).
		Uint64("sightings", snapshot.SightingCount).
		Msg("listening stopped")
	return snapshot
}

// Snapshot returns the current session.
func (p *Processor) Snapshot() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// AddListener registers fn; listeners run in registration order.
func (p *Processor) AddListener(fn Listener) ListenerID {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	p.nextID++
	p.listeners = append(p.listeners, registration{id: p.nextID, fn: fn})
	return p.nextID
}

// RemoveListener unregisters id. Unknown ids are ignored.
func (p *Processor) RemoveListener(id ListenerID) {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	for i, reg := range p.listeners {
		if reg.id == id {
			p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
			return
		}
	}
}

// HandleAdvertisement processes every manufacturer-data entry of ad and
// returns the number of records published.
func (p *Processor) HandleAdvertisement(ad transport.Advertisement) int {
	if !p.listening() {
		return 0
	}

	published := 0
	for _, entry := range ad.ManufacturerData {
		addr, ok, err := payload.TryDecode(entry.CompanyID, entry.Data)
		if err != nil {
			p.reporter.Report(&MalformedPayloadError{
				CompanyID: entry.CompanyID,
				Address:   ad.Address,
				Size:      len(entry.Data),
				Err:       err,
			})
			continue
		}
		if !ok {
			continue
		}

		stats, accepted := p.record(Sighting{
			PeerAddress:       ad.Address,
			SourceAddress:     addr,
			SignalStrengthDBm: ad.SignalStrengthDBm,
			TxPower:           ad.TxPower,
			ReceivedAt:        ad.ReceivedAt,
		})
		if !accepted {
			return published
		}
		p.publish(stats)
		published++
	}
	return published
}

func (p *Processor) listening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.State == Listening
}

// record updates the counters under the session lock and builds the record.
func (p *Processor) record(s Sighting) (Statistics, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session.State != Listening {
		return Statistics{}, false
	}

	now := p.now()
	elapsed := now.Sub(p.session.StartedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	p.session.SightingCount++
	count := p.session.SightingCount

	frequency := 0.0
	if elapsed > 0 {
		frequency = float64(count) / elapsed
	}

	receivedAt := s.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	rssi := float64(s.SignalStrengthDBm)
	return Statistics{
		SessionID:         p.session.ID,
		PeerAddress:       s.PeerAddress,
		SourceAddress:     s.SourceAddress,
		SignalStrengthDBm: rssi,
		TxPower:           s.TxPower,
		SightingCount:     count,
		FrequencyHz:       frequency,
		DistanceMeters:    p.estimator.Meters(rssi),
		ElapsedSeconds:    elapsed,
		ReceivedAt:        receivedAt,
	}, true
}

func (p *Processor) publish(stats Statistics) {
	p.lmu.RLock()
	listeners := append([]registration(nil), p.listeners...)
	p.lmu.RUnlock()

	for _, reg := range listeners {
		reg.fn(stats)
	}
}

// OnAdvertisementReceived implements transport.Handler.
func (p *Processor) OnAdvertisementReceived(ad transport.Advertisement) {
	p.HandleAdvertisement(ad)
}

// OnPublisherStatusChanged reports publisher failures. Session state is not touched.
func (p *Processor) OnPublisherStatusChanged(code transport.ErrorCode) {
	p.reportStatus(OpPublishing, code)
}

// OnScanningStopped reports watcher failures. The session stays as it is;
// callers decide whether to Stop.
func (p *Processor) OnScanningStopped(code transport.ErrorCode) {
	p.reportStatus(OpScanning, code)
}

func (p *Processor) reportStatus(op Operation, code transport.ErrorCode) {
	cond, failed := ConditionFromCode(code)
	if !failed {
		p.logger.Debug().Str("operation", string(op)).Msg("transport status ok")
		return
	}
	p.reporter.Report(&TransportError{Op: op, Condition: cond})
}

var _ transport.Handler = (*Processor)(nil)
