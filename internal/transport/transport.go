package transport

import (
	"errors"
	"time"
)

var (
	// ErrAccessDenied 表示平台拒绝了广播请求（未授权）。
	ErrAccessDenied = errors.New("transport: access denied")
	// ErrNotStarted is returned when stopping an operation that is not running.
	ErrNotStarted = errors.New("transport: operation not started")
)

// ErrorCode is the status reported by the platform Bluetooth stack.
type ErrorCode int

// Platform status codes.
const (
	Success ErrorCode = iota
	RadioNotAvailable
	ResourceInUse
	DeviceNotConnected
	OtherError
	DisabledByPolicy
	NotSupported
	DisabledByUser
	ConsentRequired
	TransportNotSupported
)

// TxPower is an optional transmit power level in dBm.
type TxPower struct {
	dbm   int16
	valid bool
}

// TxPowerOf returns a present transmit power.
func TxPowerOf(dbm int16) TxPower {
	return TxPower{dbm: dbm, valid: true}
}

// NoTxPower is the absent transmit power.
func NoTxPower() TxPower {
	return TxPower{}
}

// Get returns the power and whether it is present.
func (p TxPower) Get() (int16, bool) {
	return p.dbm, p.valid
}

// Valid reports whether a value is present.
func (p TxPower) Valid() bool {
	return p.valid
}

// Ptr returns nil when absent. Used by storage and JSON encoders.
func (p TxPower) Ptr() *int16 {
	if !p.valid {
		return nil
	}
	v := p.dbm
	return &v
}

// ManufacturerData is one manufacturer-specific entry of an advertisement.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// Advertisement is a raw advertisement-received event.
type Advertisement struct {
	Address           string
	SignalStrengthDBm int16
	TxPower           TxPower
	ManufacturerData  []ManufacturerData
	ReceivedAt        time.Time
}

// PublishOptions configure the outbound advertisement.
type PublishOptions struct {
	LocalName              string
	Manufacturer           ManufacturerData
	UseExtendedAdvertising bool
	IncludeTxPower         bool
	PreferredTxPower       TxPower
}

// Handler receives events pushed by a transport. Implementations must not block.
type Handler interface {
	OnAdvertisementReceived(ad Advertisement)
	OnPublisherStatusChanged(code ErrorCode)
	OnScanningStopped(code ErrorCode)
}

// Transport abstracts the platform advertisement publisher and watcher.
type Transport interface {
	Subscribe(h Handler)
	StartPublishing(opts PublishOptions) error
	StopPublishing() error
	StartScanning() error
	StopScanning() error
}
