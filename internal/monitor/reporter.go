package monitor

import (
	"errors"

	"github.com/rs/zerolog"
)

// Reporter receives conditions that must not propagate through the
// transport's callback path.
type Reporter interface {
	Report(err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(err error)

// Report calls f(err).
func (f ReporterFunc) Report(err error) {
	f(err)
}

// Reporters fans a report out to each non-nil reporter.
func Reporters(rs ...Reporter) Reporter {
	list := make([]Reporter, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			list = append(list, r)
		}
	}
	return ReporterFunc(func(err error) {
		for _, r := range list {
			r.Report(err)
		}
	})
}

// LogReporter writes reported conditions to a zerolog logger.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter builds a reporter logging under component=monitor_reporter.
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger.With().Str("component", "monitor_reporter").Logger()}
}

// Report logs err with fields extracted from the typed errors.
func (r *LogReporter) Report(err error) {
	var te *TransportError
	var me *MalformedPayloadError
	switch {
	case errors.As(err, &te):
		ev := r.logger.Error().Str("operation", string(te.Op)).Str("condition", te.Condition.String())
		if te.Err != nil {
			ev = ev.Err(te.Err)
		}
		ev.Msg("蓝牙传输异常")
	case errors.As(err, &me):
		r.logger.Warn().
			Str("address", me.Address).
			Uint16("company_id", me.CompanyID).
			Int("size", me.Size).
			Msg("malformed manufacturer data skipped")
	default:
		r.logger.Error().Err(err).Msg("monitor error")
	}
}

var _ Reporter = (*LogReporter)(nil)
