package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"beaconwatch/internal/forwarding"
	"beaconwatch/internal/monitor"
	"beaconwatch/internal/payload"
	"beaconwatch/internal/scheduler"
	"beaconwatch/internal/storage"
	"beaconwatch/internal/transport"
)

// AdvertiseOptions are the operator-facing advertising switches.
type AdvertiseOptions struct {
	UseExtendedAdvertising bool
	IncludeTxPower         bool
	PreferredTxPower       transport.TxPower
}

// Options wire optional collaborators.
type Options struct {
	DeviceTag string
	LocalName string
	Reporter  monitor.Reporter
	Scheduler *scheduler.Scheduler
	Sinks     []*forwarding.Async
	// Summaries, when set, backs the periodic summary with stored aggregates.
	Summaries storage.SightingStore
	// Retention, when positive, prunes stored sightings older than the
	// summary bucket minus Retention.
	Retention time.Duration
}

// Service orchestrates the transport, the event processor and the sinks.
type Service struct {
	transport transport.Transport
	processor *monitor.Processor
	reporter  monitor.Reporter
	scheduler *scheduler.Scheduler
	sinks     []*forwarding.Async
	summaries storage.SightingStore
	retention time.Duration
	deviceTag string
	localName string
	logger    zerolog.Logger

	mu          sync.Mutex
	scanning    bool
	advertising bool
}

// New subscribes processor to tr and returns the service.
func New(tr transport.Transport, processor *monitor.Processor, opts Options, logger zerolog.Logger) *Service {
	if opts.DeviceTag == "" {
		opts.DeviceTag = payload.DefaultDeviceTag
	}
	if opts.Reporter == nil {
		opts.Reporter = monitor.NewLogReporter(logger)
	}

	s := &Service{
		transport: tr,
		processor: processor,
		reporter:  opts.Reporter,
		scheduler: opts.Scheduler,
		sinks:     opts.Sinks,
		summaries: opts.Summaries,
		retention: opts.Retention,
		deviceTag: opts.DeviceTag,
		localName: opts.LocalName,
		logger:    logger.With().Str("component", "service").Logger(),
	}
	tr.Subscribe(processor)
	for _, sink := range opts.Sinks {
		processor.AddListener(sink.Listener())
	}
	return s
}

// AddListener registers an additional statistics consumer.
func (s *Service) AddListener(fn monitor.Listener) monitor.ListenerID {
	return s.processor.AddListener(fn)
}

// RemoveListener unregisters a statistics consumer.
func (s *Service) RemoveListener(id monitor.ListenerID) {
	s.processor.RemoveListener(id)
}

// StartListening resets the session and starts the watcher. Calling it while
// listening restarts the session. The watcher may have died on its own since
// the last start, so it is always asked to start; transports treat a start
// while running as a no-op.
func (s *Service) StartListening() (monitor.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.processor.Start()
	if err := s.transport.StartScanning(); err != nil {
		s.processor.Stop()
		return monitor.Session{}, s.reportStartFailure(monitor.OpScanning, err)
	}
	s.scanning = true
	return session, nil
}

// StopListening stops the watcher. Counters survive until the next start.
// It waits for the watcher to exit, so listeners must not call it.
func (s *Service) StopListening() monitor.Session {
	s.mu.Lock()
	wasScanning := s.scanning
	s.scanning = false
	s.mu.Unlock()

	session := s.processor.Stop()
	if wasScanning {
		if err := s.transport.StopScanning(); err != nil && !errors.Is(err, transport.ErrNotStarted) {
			s.logger.Warn().Err(err).Msg("stop scanning failed")
		}
	}
	return session
}

// StartAdvertising publishes the device payload. Access denial is reported and
// leaves advertising off with a nil error so the caller may retry.
func (s *Service) StartAdvertising(opts AdvertiseOptions) (bool, error) {
	manufacturer, err := payload.NewManufacturer(s.deviceTag)
	if err != nil {
		return false, fmt.Errorf("build advertising payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	publish := transport.PublishOptions{
		LocalName: s.localName,
		Manufacturer: transport.ManufacturerData{
			CompanyID: manufacturer.CompanyID,
			Data:      manufacturer.Data,
		},
		UseExtendedAdvertising: opts.UseExtendedAdvertising,
		IncludeTxPower:         opts.IncludeTxPower,
		PreferredTxPower:       opts.PreferredTxPower,
	}
	if err := s.transport.StartPublishing(publish); err != nil {
		if errors.Is(err, transport.ErrAccessDenied) {
			s.reporter.Report(&monitor.TransportError{Op: monitor.OpPublishing, Condition: monitor.ConditionAccessDenied, Err: err})
			return false, nil
		}
		return false, s.reportStartFailure(monitor.OpPublishing, err)
	}

	s.advertising = true
	txPower, hasTx := opts.PreferredTxPower.Get()
	s.logger.Info().
		Str("device_tag", manufacturer.DeviceTag).
		Bool("extended", opts.UseExtendedAdvertising).
		Bool("include_tx_power", opts.IncludeTxPower).
		Int16("preferred_tx_power_dbm", txPower).
		Bool("preferred_tx_power_set", hasTx).
		Msg("advertising started")
	return true, nil
}

// StopAdvertising stops the publisher.
func (s *Service) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.advertising {
		return nil
	}
	s.advertising = false
	if err := s.transport.StopPublishing(); err != nil && !errors.Is(err, transport.ErrNotStarted) {
		return fmt.Errorf("stop publishing: %w", err)
	}
	return nil
}

// Advertising reports whether the publisher is active.
func (s *Service) Advertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// Session returns the current session snapshot.
func (s *Service) Session() monitor.Session {
	return s.processor.Snapshot()
}

// Run drives the sinks and the summary scheduler until ctx is cancelled, then
// stops the transport. It does not start listening or advertising. Sinks are
// flushed only after the watcher has stopped, so every published record is
// queued before the final drain.
func (s *Service) Run(ctx context.Context) error {
	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSinks()

	var wg sync.WaitGroup
	for _, sink := range s.sinks {
		wg.Add(1)
		go func(a *forwarding.Async) {
			defer wg.Done()
			a.Run(sinkCtx)
		}(sink)
	}

	var runErr error
	if s.scheduler != nil {
		runErr = s.scheduler.Run(ctx, s.Summarize)
	} else {
		<-ctx.Done()
		runErr = ctx.Err()
	}

	s.StopListening()
	if err := s.StopAdvertising(); err != nil {
		s.logger.Warn().Err(err).Msg("stop advertising failed")
	}
	stopSinks()
	wg.Wait()

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// Summarize logs the session counters and sink health for one bucket.
func (s *Service) Summarize(ctx context.Context, bucket time.Time) error {
	session := s.processor.Snapshot()
	ev := s.logger.Info().
		Time("bucket", bucket).
		Str("session_id", session.ID.String()).
		Str("state", session.State.String()).
		Uint64("sightings", session.SightingCount)

	for _, sink := range s.sinks {
		delivered, failed, dropped := sink.Stats()
		ev = ev.Dict(sink.Name(), zerolog.Dict().
			Uint64("delivered", delivered).
			Uint64("failed", failed).
			Uint64("dropped", dropped))
	}

	if s.summaries != nil && session.SightingCount > 0 {
		summary := storage.SessionSummary{SessionID: session.ID}
		if err := s.summaries.SummariseSession(ctx, &summary); err == nil {
			ev = ev.Int64("stored_sightings", summary.Sightings).
				Int64("sources", summary.Sources).
				Str("min_distance_m", summary.MinDistanceM.StringFixed(2)).
				Str("avg_signal_dbm", summary.AvgSignalDBm.StringFixed(1))
		} else {
			s.logger.Debug().Err(err).Msg("session summary unavailable")
		}
	}

	ev.Msg("session summary")

	if s.summaries != nil && s.retention > 0 {
		cutoff := bucket.Add(-s.retention)
		pruned, err := s.summaries.DeleteSightingsBefore(ctx, cutoff)
		if err != nil {
			s.logger.Warn().Err(err).Time("cutoff", cutoff).Msg("prune sightings failed")
			return nil
		}
		if pruned > 0 {
			s.logger.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("old sightings pruned")
		}
	}
	return nil
}

func (s *Service) reportStartFailure(op monitor.Operation, err error) error {
	cond, _ := monitor.ConditionFromCode(transport.CodeOf(err))
	if errors.Is(err, transport.ErrAccessDenied) {
		cond = monitor.ConditionAccessDenied
	}
	wrapped := &monitor.TransportError{Op: op, Condition: cond, Err: err}
	s.reporter.Report(wrapped)
	return wrapped
}
