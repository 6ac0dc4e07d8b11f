package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"beaconwatch/internal/monitor"
)

// SightingRecord is a persisted statistics record.
type SightingRecord struct {
	ID                int64
	SessionID         uuid.UUID
	PeerAddress       string
	SourceAddress     uint32
	SignalStrengthDBm decimal.Decimal
	TxPowerDBm        *int16
	SightingCount     int64
	FrequencyHz       decimal.Decimal
	DistanceMeters    decimal.Decimal
	ElapsedSeconds    decimal.Decimal
	ReceivedAt        time.Time
	CreatedAt         time.Time
}

// 持久化精度：距离与频率保留 6 位小数。
const storedPlaces = 6

// RecordFromStatistics converts a live record for persistence.
func RecordFromStatistics(stats monitor.Statistics) SightingRecord {
	return SightingRecord{
		SessionID:         stats.SessionID,
		PeerAddress:       stats.PeerAddress,
		SourceAddress:     stats.SourceAddress,
		SignalStrengthDBm: decimal.NewFromFloat(stats.SignalStrengthDBm),
		TxPowerDBm:        stats.TxPower.Ptr(),
		SightingCount:     int64(stats.SightingCount),
		FrequencyHz:       decimal.NewFromFloat(stats.FrequencyHz).Round(storedPlaces),
		DistanceMeters:    decimal.NewFromFloat(stats.DistanceMeters).Round(storedPlaces),
		ElapsedSeconds:    decimal.NewFromFloat(stats.ElapsedSeconds).Round(storedPlaces),
		ReceivedAt:        stats.ReceivedAt.UTC(),
	}
}

// SessionSummary aggregates stored sightings of one session.
type SessionSummary struct {
	SessionID    uuid.UUID
	Sightings    int64
	Sources      int64
	FirstSeen    time.Time
	LastSeen     time.Time
	MinDistanceM decimal.Decimal
	AvgSignalDBm decimal.Decimal
}
