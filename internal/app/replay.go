package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"beaconwatch/internal/forwarding"
	"beaconwatch/internal/monitor"
	"beaconwatch/internal/replay"
)

// Replay feeds a recorded capture through the processor on a virtual clock.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	file, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer file.Close()

	reader, err := replay.NewReader(file)
	if err != nil {
		return err
	}

	var sinks *pipeline
	clock := &replay.Clock{}
	if opts.Persist || opts.Forward {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if opts.Persist && store == nil {
			return errors.New("database.dsn 未配置，无法持久化回放结果")
		}
		if closeStore != nil {
			defer closeStore()
		}
		if !opts.Persist {
			store = nil
		}
		if sinks, err = a.buildSinks(store, nil, clock.Now, opts.Forward); err != nil {
			return err
		}
		defer sinks.close()
	} else {
		sinks = &pipeline{}
	}

	proc := monitor.NewProcessor(monitor.Options{
		Estimator: a.newEstimator(),
		Clock:     clock.Now,
	}, a.Logger)
	if opts.Print {
		proc.AddListener(printRecord(os.Stdout))
	}

	res, session, err := feedCapture(ctx, reader, clock, proc, sinks.sinks, a.Logger)
	if err != nil {
		return err
	}

	for _, sink := range sinks.sinks {
		delivered, failed, dropped := sink.Stats()
		a.Logger.Info().Str("sink", sink.Name()).
			Uint64("delivered", delivered).
			Uint64("failed", failed).
			Uint64("dropped", dropped).
			Msg("sink totals")
	}
	a.Logger.Info().
		Int("advertisements", res.Advertisements).
		Uint64("sightings", session.SightingCount).
		Str("session_id", session.ID.String()).
		Msg("replay finished")
	return nil
}

// feedCapture replays reader into proc. Sinks wait for queue space rather
// than dropping, since nothing here runs on a transport callback.
func feedCapture(ctx context.Context, reader *replay.Reader, clock *replay.Clock, proc *monitor.Processor, sinks []*forwarding.Async, logger zerolog.Logger) (replay.Result, monitor.Session, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, sink := range sinks {
		sink := sink
		proc.AddListener(sink.BlockingListener(runCtx))
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Run(runCtx)
		}()
	}

	res, err := replay.Run(ctx, reader, clock, proc, func() { proc.Start() }, logger)
	session := proc.Stop()
	cancel()
	wg.Wait()
	return res, session, err
}
