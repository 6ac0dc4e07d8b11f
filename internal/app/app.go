package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"beaconwatch/internal/alerting"
	"beaconwatch/internal/config"
	"beaconwatch/internal/distance"
	"beaconwatch/internal/forwarding"
	"beaconwatch/internal/metrics"
	"beaconwatch/internal/monitor"
	"beaconwatch/internal/storage"
	"beaconwatch/internal/transport"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newTransport(driver string) (transport.Transport, error) {
	switch driver {
	case "bluez":
		return transport.NewBluez(a.Logger), nil
	case "simulated":
		sim := a.Config.Simulate
		return transport.NewSimulated(transport.SimulatedOptions{
			Interval:       sim.Interval,
			Peers:          sim.Peers,
			BaseRSSI:       int16(sim.BaseRSSI),
			ForeignEvery:   sim.ForeignEvery,
			MalformedEvery: sim.MalformedEvery,
			Seed:           sim.Seed,
		}, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown transport driver %q", driver)
	}
}

func (a *App) newNotifiers() []alerting.Notifier {
	var notifiers []alerting.Notifier
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return notifiers
}

func (a *App) newEstimator() distance.Estimator {
	return distance.Estimator{ReferencePowerDBm: a.Config.Beacon.ReferencePowerDBm}
}

func (a *App) newMetrics() *metrics.Metrics {
	if !a.Config.Metrics.Enabled {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.New(reg)
}

// pipeline bundles the sinks built from configuration.
type pipeline struct {
	sinks   []*forwarding.Async
	closers []func()
}

func (p *pipeline) add(sink forwarding.Sink, buffer int, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) {
	async := forwarding.NewAsync(sink, buffer, timeout, logger)
	if m != nil {
		async.OnDrop(m.Dropped)
	}
	p.sinks = append(p.sinks, async)
}

func (p *pipeline) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// buildSinks wires persistence, brokers and alerting from configuration.
// clock drives alert cooldowns and is the virtual clock during replay.
func (a *App) buildSinks(store *storage.Store, m *metrics.Metrics, clock func() time.Time, forward bool) (*pipeline, error) {
	cfg := a.Config
	p := &pipeline{}
	buffer := cfg.Forwarding.Buffer

	if store != nil {
		p.add(store, buffer, cfg.Database.WriteTimeout, m, a.Logger)
	}

	if forward && cfg.Forwarding.MQTT.Enabled {
		sink, err := forwarding.NewMQTTSink(cfg.Forwarding.MQTT, a.Logger)
		if err != nil {
			p.close()
			return nil, err
		}
		p.add(sink, buffer, cfg.Forwarding.MQTT.Timeout, m, a.Logger)
		p.closers = append(p.closers, sink.Close)
	}

	if forward && cfg.Forwarding.Kafka.Enabled {
		sink := forwarding.NewKafkaSink(cfg.Forwarding.Kafka)
		p.add(sink, buffer, 10*time.Second, m, a.Logger)
		p.closers = append(p.closers, func() {
			if err := sink.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka writer failed")
			}
		})
	}

	if cfg.Alerting.Enabled {
		notifiers := a.newNotifiers()
		if len(notifiers) == 0 {
			a.Logger.Warn().Msg("alerting enabled but no channel configured")
		} else {
			alerter := alerting.NewProximityAlerter(cfg.Alerting.ThresholdMeters, cfg.Alerting.Cooldown, clock, a.Logger, notifiers...)
			p.add(alerter, buffer, 15*time.Second, m, a.Logger)
		}
	}

	return p, nil
}

func reporterFor(logger zerolog.Logger, m *metrics.Metrics) monitor.Reporter {
	if m == nil {
		return monitor.NewLogReporter(logger)
	}
	return monitor.Reporters(monitor.NewLogReporter(logger), m)
}

// RunOptions tune the long-running monitor.
type RunOptions struct {
	// Driver overrides transport.driver when set.
	Driver string
	// Duration stops the monitor after the given time; zero runs until signalled.
	Duration time.Duration
	// CapturePath records every received advertisement to a capture file.
	CapturePath string
	// Print writes every statistics record to stdout.
	Print bool
	// NoAdvertise disables advertising regardless of configuration.
	NoAdvertise bool
}

// ReplayOptions configure the replay command.
type ReplayOptions struct {
	Path    string
	Persist bool
	Forward bool
	Print   bool
}

// ExportOptions hold parameters for exporting stored sightings.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	XLSXPath  string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
