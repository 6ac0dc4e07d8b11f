package monitor

import (
	"time"

	"github.com/google/uuid"

	"beaconwatch/internal/transport"
)

// State of a monitoring session.
type State int

const (
	Idle State = iota
	Listening
)

func (s State) String() string {
	if s == Listening {
		return "listening"
	}
	return "idle"
}

// Session is a snapshot of the running counters.
type Session struct {
	ID            uuid.UUID
	State         State
	StartedAt     time.Time
	SightingCount uint64
}

// Sighting is an accepted advertisement entry, alive for one handling pass.
type Sighting struct {
	PeerAddress       string
	SourceAddress     uint32
	SignalStrengthDBm int16
	TxPower           transport.TxPower
	ReceivedAt        time.Time
}

// Statistics is the record published for every accepted sighting.
type Statistics struct {
	SessionID         uuid.UUID
	PeerAddress       string
	SourceAddress     uint32
	SignalStrengthDBm float64
	TxPower           transport.TxPower
	SightingCount     uint64
	FrequencyHz       float64
	DistanceMeters    float64
	ElapsedSeconds    float64
	ReceivedAt        time.Time
}

// Listener consumes statistics records. It runs on the transport's delivery
// goroutine and must not block.
type Listener func(Statistics)

// ListenerID identifies a registered listener.
type ListenerID uint64
