package transport

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"beaconwatch/internal/payload"
)

// SimulatedOptions parameterise the synthetic radio.
type SimulatedOptions struct {
	Interval       time.Duration
	Peers          int
	BaseRSSI       int16
	ForeignEvery   int
	MalformedEvery int
	Seed           int64
	DenyPublishing bool
}

// Simulated is an in-process transport producing synthetic advertisements
// from a set of peers whose RSSI follows a bounded random walk.
type Simulated struct {
	dispatcher

	opts   SimulatedOptions
	logger zerolog.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	rssi       []int16
	seq        int
	publishing bool
	published  PublishOptions
	stop       chan struct{}
	done       chan struct{}
}

// NewSimulated builds a simulated transport.
func NewSimulated(opts SimulatedOptions, logger zerolog.Logger) *Simulated {
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	if opts.Peers <= 0 {
		opts.Peers = 1
	}
	if opts.BaseRSSI == 0 {
		opts.BaseRSSI = -69
	}

	rssi := make([]int16, opts.Peers)
	for i := range rssi {
		rssi[i] = opts.BaseRSSI
	}

	return &Simulated{
		opts:   opts,
		logger: logger.With().Str("component", "transport_simulated").Logger(),
		rng:    rand.New(rand.NewSource(opts.Seed)),
		rssi:   rssi,
	}
}

// StartPublishing records the advertisement.
func (s *Simulated) StartPublishing(opts PublishOptions) error {
	if s.opts.DenyPublishing {
		return ErrAccessDenied
	}
	s.mu.Lock()
	s.publishing = true
	s.published = opts
	s.mu.Unlock()

	s.dispatcher.publisherStatus(Success)
	return nil
}

// StopPublishing clears the advertisement.
func (s *Simulated) StopPublishing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.publishing {
		return ErrNotStarted
	}
	s.publishing = false
	return nil
}

// Publishing reports the current advertisement, if any.
func (s *Simulated) Publishing() (PublishOptions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.publishing
}

// StartScanning begins emitting advertisements every Interval.
func (s *Simulated) StartScanning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	s.logger.Debug().Int("peers", len(s.rssi)).Dur("interval", s.opts.Interval).Msg("simulated scan started")
	return nil
}

// StopScanning stops the emitter and reports a successful stop.
func (s *Simulated) StopScanning() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return ErrNotStarted
	}
	close(stop)
	<-done
	s.dispatcher.scanStopped(Success)
	return nil
}

// Inject delivers ad to subscribers as if it had been received.
func (s *Simulated) Inject(ad Advertisement) {
	s.dispatcher.advertisement(ad)
}

// Fail stops the emitter and reports code, as a platform would on radio loss.
func (s *Simulated) Fail(code ErrorCode) {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	s.dispatcher.scanStopped(code)
}

// Scanning reports whether the emitter is running.
func (s *Simulated) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Simulated) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.dispatcher.advertisement(s.next())
		}
	}
}

// next builds one synthetic advertisement.
func (s *Simulated) next() Advertisement {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	peer := s.rng.Intn(len(s.rssi))
	step := int16(s.rng.Intn(7) - 3)
	r := s.rssi[peer] + step
	if r > -30 {
		r = -30
	}
	if r < -100 {
		r = -100
	}
	s.rssi[peer] = r

	data := make([]byte, 4, 12)
	binary.LittleEndian.PutUint32(data, uint32(0xBEAC0000)+uint32(peer))
	entries := []ManufacturerData{{CompanyID: payload.CompanyID, Data: data}}

	if s.opts.ForeignEvery > 0 && s.seq%s.opts.ForeignEvery == 0 {
		entries = append(entries, ManufacturerData{CompanyID: 0x004C, Data: []byte{0x02, 0x15}})
	}
	if s.opts.MalformedEvery > 0 && s.seq%s.opts.MalformedEvery == 0 {
		entries = append(entries, ManufacturerData{CompanyID: payload.CompanyID, Data: []byte{0x01}})
	}

	tx := NoTxPower()
	if s.publishing && s.published.IncludeTxPower {
		tx = TxPowerOf(-10)
		if v, ok := s.published.PreferredTxPower.Get(); ok {
			tx = TxPowerOf(v)
		}
	}

	return Advertisement{
		Address:           simulatedAddress(peer),
		SignalStrengthDBm: r,
		TxPower:           tx,
		ManufacturerData:  entries,
		ReceivedAt:        time.Now(),
	}
}

func simulatedAddress(peer int) string {
	return fmt.Sprintf("02:00:00:00:%02X:%02X", byte(peer>>8), byte(peer))
}

var _ Transport = (*Simulated)(nil)
