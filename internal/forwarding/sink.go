package forwarding

import (
	"context"
	"time"

	"beaconwatch/internal/monitor"
)

// Sink delivers statistics records to an external system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, stats monitor.Statistics) error
}

// Record is the wire shape shared by the broker sinks.
type Record struct {
	SessionID         string    `json:"session_id"`
	PeerAddress       string    `json:"peer_address"`
	SourceAddress     uint32    `json:"source_address"`
	SignalStrengthDBm float64   `json:"signal_strength_dbm"`
	TxPowerDBm        *int16    `json:"tx_power_dbm,omitempty"`
	SightingCount     uint64    `json:"sighting_count"`
	FrequencyHz       float64   `json:"frequency_hz"`
	DistanceMeters    float64   `json:"distance_m"`
	ElapsedSeconds    float64   `json:"elapsed_s"`
	ReceivedAt        time.Time `json:"received_at"`
}

// NewRecord converts a statistics record into its wire form.
func NewRecord(stats monitor.Statistics) Record {
	return Record{
		SessionID:         stats.SessionID.String(),
		PeerAddress:       stats.PeerAddress,
		SourceAddress:     stats.SourceAddress,
		SignalStrengthDBm: stats.SignalStrengthDBm,
		TxPowerDBm:        stats.TxPower.Ptr(),
		SightingCount:     stats.SightingCount,
		FrequencyHz:       stats.FrequencyHz,
		DistanceMeters:    stats.DistanceMeters,
		ElapsedSeconds:    stats.ElapsedSeconds,
		ReceivedAt:        stats.ReceivedAt.UTC(),
	}
}
