package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"beaconwatch/internal/monitor"
)

// Metrics bundles the monitor's Prometheus collectors.
type Metrics struct {
	SightingsTotal    *prometheus.CounterVec
	MalformedTotal    prometheus.Counter
	TransportErrors   *prometheus.CounterVec
	ForwardDropsTotal *prometheus.CounterVec
	SignalStrength    *prometheus.GaugeVec
	Distance          *prometheus.GaugeVec
	Frequency         prometheus.Gauge
	DistanceHist      prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New constructs the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		SightingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beaconwatch_sightings_total",
				Help: "Accepted sightings by source address",
			},
			[]string{"source"},
		),
		MalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaconwatch_malformed_payloads_total",
			Help: "Recognised manufacturer entries that failed to decode",
		}),
		TransportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beaconwatch_transport_errors_total",
				Help: "Transport failures by operation and condition",
			},
			[]string{"operation", "condition"},
		),
		ForwardDropsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beaconwatch_forward_dropped_total",
				Help: "Statistics records dropped by a full forwarding queue",
			},
			[]string{"sink"},
		),
		SignalStrength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "beaconwatch_signal_strength_dbm",
				Help: "Last received signal strength by source address",
			},
			[]string{"source"},
		),
		Distance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "beaconwatch_distance_meters",
				Help: "Last estimated distance by source address",
			},
			[]string{"source"},
		),
		Frequency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaconwatch_sighting_frequency_hz",
			Help: "Session-wide sighting frequency",
		}),
		DistanceHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beaconwatch_distance_meters_histogram",
			Help:    "Distribution of estimated distances",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.SightingsTotal,
		m.MalformedTotal,
		m.TransportErrors,
		m.ForwardDropsTotal,
		m.SignalStrength,
		m.Distance,
		m.Frequency,
		m.DistanceHist,
	)
	return m
}

// Observe is a monitor.Listener recording one statistics record.
func (m *Metrics) Observe(stats monitor.Statistics) {
	source := fmt.Sprintf("%08x", stats.SourceAddress)
	m.SightingsTotal.WithLabelValues(source).Inc()
	m.SignalStrength.WithLabelValues(source).Set(stats.SignalStrengthDBm)
	m.Distance.WithLabelValues(source).Set(stats.DistanceMeters)
	m.Frequency.Set(stats.FrequencyHz)
	m.DistanceHist.Observe(stats.DistanceMeters)
}

// Report implements monitor.Reporter.
func (m *Metrics) Report(err error) {
	var te *monitor.TransportError
	var me *monitor.MalformedPayloadError
	switch {
	case errors.As(err, &te):
		m.TransportErrors.WithLabelValues(string(te.Op), te.Condition.String()).Inc()
	case errors.As(err, &me):
		m.MalformedTotal.Inc()
	}
}

// Dropped counts a record dropped by the named sink.
func (m *Metrics) Dropped(sink string) {
	m.ForwardDropsTotal.WithLabelValues(sink).Inc()
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, listen, path string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", listen).Str("path", path).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

var _ monitor.Reporter = (*Metrics)(nil)
