package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"beaconwatch/internal/monitor"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertSightingSQL = `INSERT INTO sightings (
        session_id,
        peer_address,
        source_address,
        signal_strength_dbm,
        tx_power_dbm,
        sighting_count,
        frequency_hz,
        distance_m,
        elapsed_s,
        received_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (session_id, sighting_count) DO NOTHING;`

	selectSightingColumns = `SELECT
        id,
        session_id,
        peer_address,
        source_address,
        signal_strength_dbm::text,
        tx_power_dbm,
        sighting_count,
        frequency_hz::text,
        distance_m::text,
        elapsed_s::text,
        received_at,
        created_at
    FROM sightings`

	listSightingsBetweenSQL = selectSightingColumns + `
    WHERE received_at >= $1
      AND received_at < $2
    ORDER BY received_at, sighting_count;`

	listRecentSightingsSQL = selectSightingColumns + `
    ORDER BY received_at DESC, id DESC
    LIMIT $1;`

	countSightingsSQL = `SELECT COUNT(*) FROM sightings;`

	summariseSessionSQL = `SELECT
        COUNT(*),
        COUNT(DISTINCT source_address),
        MIN(received_at),
        MAX(received_at),
        MIN(distance_m)::text,
        ROUND(AVG(signal_strength_dbm), 2)::text
    FROM sightings
    WHERE session_id = $1;`

	deleteSightingsBeforeSQL = `DELETE FROM sightings WHERE received_at < $1;`
)

// SightingStore defines operations for sighting persistence.
type SightingStore interface {
	InsertSighting(ctx context.Context, rec SightingRecord) error
	ListSightingsBetween(ctx context.Context, from, to time.Time) ([]SightingRecord, error)
	ListRecentSightings(ctx context.Context, limit int) ([]SightingRecord, error)
	CountSightings(ctx context.Context) (int64, error)
	SummariseSession(ctx context.Context, summary *SessionSummary) error
	DeleteSightingsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

var _ SightingStore = (*Store)(nil)

// Store persists sightings in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Name implements the forwarding sink contract.
func (s *Store) Name() string {
	return "postgres"
}

// Deliver persists one statistics record.
func (s *Store) Deliver(ctx context.Context, stats monitor.Statistics) error {
	return s.InsertSighting(ctx, RecordFromStatistics(stats))
}

// InsertSighting persists a sighting. Replayed duplicates are ignored.
func (s *Store) InsertSighting(ctx context.Context, rec SightingRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var txPower interface{}
	if rec.TxPowerDBm != nil {
		txPower = *rec.TxPowerDBm
	}

	_, execErr := pool.Exec(ctx, insertSightingSQL,
		rec.SessionID,
		rec.PeerAddress,
		int64(rec.SourceAddress),
		rec.SignalStrengthDBm.String(),
		txPower,
		rec.SightingCount,
		rec.FrequencyHz.String(),
		rec.DistanceMeters.String(),
		rec.ElapsedSeconds.String(),
		rec.ReceivedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert sighting: %w", execErr)
	}
	return nil
}

// ListSightingsBetween lists sightings received within [from, to).
func (s *Store) ListSightingsBetween(ctx context.Context, from, to time.Time) ([]SightingRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSightingsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list sightings between: %w", queryErr)
	}
	defer rows.Close()

	return collectSightings(rows, 0)
}

// ListRecentSightings lists the newest sightings first.
func (s *Store) ListRecentSightings(ctx context.Context, limit int) ([]SightingRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSightingsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent sightings: %w", queryErr)
	}
	defer rows.Close()

	return collectSightings(rows, limit)
}

// CountSightings counts stored sightings.
func (s *Store) CountSightings(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSightingsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count sightings: %w", scanErr)
	}
	return count, nil
}

// SummariseSession aggregates the stored sightings of one session.
func (s *Store) SummariseSession(ctx context.Context, summary *SessionSummary) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var (
		first, last      *time.Time
		minDist, avgRSSI *string
	)
	if scanErr := pool.QueryRow(ctx, summariseSessionSQL, summary.SessionID).Scan(
		&summary.Sightings,
		&summary.Sources,
		&first,
		&last,
		&minDist,
		&avgRSSI,
	); scanErr != nil {
		return fmt.Errorf("summarise session: %w", scanErr)
	}
	if summary.Sightings == 0 {
		return pgx.ErrNoRows
	}

	summary.FirstSeen, summary.LastSeen = *first, *last
	if summary.MinDistanceM, err = decimal.NewFromString(*minDist); err != nil {
		return fmt.Errorf("parse min distance: %w", err)
	}
	if summary.AvgSignalDBm, err = decimal.NewFromString(*avgRSSI); err != nil {
		return fmt.Errorf("parse avg signal: %w", err)
	}
	return nil
}

// DeleteSightingsBefore prunes history older than olderThan.
func (s *Store) DeleteSightingsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSightingsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete sightings before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectSightings(rows pgx.Rows, capacity int) ([]SightingRecord, error) {
	records := make([]SightingRecord, 0, capacity)
	for rows.Next() {
		rec, scanErr := scanSighting(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanSighting(rows pgx.Rows) (SightingRecord, error) {
	var (
		rec          SightingRecord
		source       int64
		rssiStr      string
		txPower      *int16
		frequencyStr string
		distanceStr  string
		elapsedStr   string
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.PeerAddress,
		&source,
		&rssiStr,
		&txPower,
		&rec.SightingCount,
		&frequencyStr,
		&distanceStr,
		&elapsedStr,
		&rec.ReceivedAt,
		&rec.CreatedAt,
	); err != nil {
		return SightingRecord{}, err
	}
	rec.SourceAddress = uint32(source)
	rec.TxPowerDBm = txPower

	var err error
	if rec.SignalStrengthDBm, err = decimal.NewFromString(rssiStr); err != nil {
		return SightingRecord{}, fmt.Errorf("parse signal strength: %w", err)
	}
	if rec.FrequencyHz, err = decimal.NewFromString(frequencyStr); err != nil {
		return SightingRecord{}, fmt.Errorf("parse frequency: %w", err)
	}
	if rec.DistanceMeters, err = decimal.NewFromString(distanceStr); err != nil {
		return SightingRecord{}, fmt.Errorf("parse distance: %w", err)
	}
	if rec.ElapsedSeconds, err = decimal.NewFromString(elapsedStr); err != nil {
		return SightingRecord{}, fmt.Errorf("parse elapsed: %w", err)
	}
	return rec, nil
}
