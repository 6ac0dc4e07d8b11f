package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"beaconwatch/internal/monitor"
	"beaconwatch/internal/replay"
	"beaconwatch/internal/scheduler"
	"beaconwatch/internal/service"
	"beaconwatch/internal/transport"
)

// Run executes the long-running beacon monitor.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if opts.Duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, opts.Duration)
		defer stop()
	}

	driver := a.Config.Transport.Driver
	if opts.Driver != "" {
		driver = opts.Driver
	}
	tr, err := a.newTransport(driver)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	m := a.newMetrics()
	sinks, err := a.buildSinks(store, m, time.Now, true)
	if err != nil {
		return err
	}
	defer sinks.close()

	reporter := reporterFor(a.Logger, m)
	proc := monitor.NewProcessor(monitor.Options{
		Estimator: a.newEstimator(),
		Reporter:  reporter,
	}, a.Logger)
	if m != nil {
		proc.AddListener(m.Observe)
	}
	if opts.Print {
		proc.AddListener(printRecord(os.Stdout))
	}

	if opts.CapturePath != "" {
		capture, closeCapture, err := openCapture(opts.CapturePath)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeCapture(); err != nil {
				a.Logger.Error().Err(err).Str("path", opts.CapturePath).Msg("capture incomplete")
			}
		}()
		tr.Subscribe(capture)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svcOpts := service.Options{
		DeviceTag: a.Config.Beacon.DeviceTag,
		LocalName: a.Config.Beacon.LocalName,
		Reporter:  reporter,
		Scheduler: sched,
		Sinks:     sinks.sinks,
	}
	if store != nil {
		svcOpts.Summaries = store
		svcOpts.Retention = a.Config.Database.Retention
	}
	svc := service.New(tr, proc, svcOpts, a.Logger)

	if a.Config.Advertising.Enabled && !opts.NoAdvertise {
		if _, err := svc.StartAdvertising(a.advertiseOptions()); err != nil {
			a.Logger.Error().Err(err).Msg("advertising not started")
		}
	}
	if _, err := svc.StartListening(); err != nil {
		return fmt.Errorf("start listening: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	if m != nil {
		group.Go(func() error {
			return m.Serve(gctx, a.Config.Metrics.Listen, a.Config.Metrics.Path, a.Logger)
		})
	}
	group.Go(func() error {
		return svc.Run(gctx)
	})

	a.Logger.Info().Str("driver", driver).Msg("beacon monitor started")
	err = group.Wait()
	session := svc.Session()
	a.Logger.Info().
		Str("session_id", session.ID.String()).
		Uint64("sightings", session.SightingCount).
		Msg("beacon monitor stopped")
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (a *App) advertiseOptions() service.AdvertiseOptions {
	adv := a.Config.Advertising
	opts := service.AdvertiseOptions{
		UseExtendedAdvertising: adv.Extended,
		IncludeTxPower:         adv.IncludeTxPower,
		PreferredTxPower:       transport.NoTxPower(),
	}
	if adv.PreferredTxPowerDBm != nil {
		opts.PreferredTxPower = transport.TxPowerOf(int16(*adv.PreferredTxPowerDBm))
	}
	return opts
}

// openCapture creates the capture file. The returned close func flushes and
// closes it, reporting any write failure seen while recording.
func openCapture(path string) (*replay.Writer, func() error, error) {
	if err := ensureDir(path); err != nil {
		return nil, nil, err
	}
	file, err := os.Create(filepath.Clean(path))
	if err != nil {
		return nil, nil, fmt.Errorf("create capture: %w", err)
	}
	writer, err := replay.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return writer, func() error {
		return errors.Join(writer.Flush(), file.Close())
	}, nil
}

func printRecord(w io.Writer) monitor.Listener {
	return func(s monitor.Statistics) {
		tx := "-"
		if dbm, ok := s.TxPower.Get(); ok {
			tx = fmt.Sprintf("%d", dbm)
		}
		fmt.Fprintf(w, "%s  src=%08x  peer=%s  rssi=%.0f dBm  tx=%s  dist=%.2f m  count=%d  rate=%.2f Hz  elapsed=%.1f s\n",
			s.ReceivedAt.UTC().Format(time.RFC3339),
			s.SourceAddress,
			s.PeerAddress,
			s.SignalStrengthDBm,
			tx,
			s.DistanceMeters,
			s.SightingCount,
			s.FrequencyHz,
			s.ElapsedSeconds,
		)
	}
}
