package monitor

import (
	"fmt"

	"beaconwatch/internal/transport"
)

// Condition is the closed set of transport failures surfaced to operators.
type Condition int

const (
	ConditionUnknown Condition = iota
	ConditionConsentRequired
	ConditionDisabledByPolicy
	ConditionDisabledByUser
	ConditionRadioNotAvailable
	ConditionDeviceNotConnected
	ConditionResourceInUse
	ConditionNotSupported
	ConditionTransportNotSupported
	ConditionOther
	ConditionAccessDenied
)

var conditionNames = map[Condition]string{
	ConditionUnknown:               "unknown",
	ConditionConsentRequired:       "consent_required",
	ConditionDisabledByPolicy:      "disabled_by_policy",
	ConditionDisabledByUser:        "disabled_by_user",
	ConditionRadioNotAvailable:     "radio_not_available",
	ConditionDeviceNotConnected:    "device_not_connected",
	ConditionResourceInUse:         "resource_in_use",
	ConditionNotSupported:          "not_supported",
	ConditionTransportNotSupported: "transport_not_supported",
	ConditionOther:                 "other_error",
	ConditionAccessDenied:          "access_denied",
}

func (c Condition) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return conditionNames[ConditionUnknown]
}

// ConditionFromCode maps a platform status. ok is false for Success.
func ConditionFromCode(code transport.ErrorCode) (Condition, bool) {
	switch code {
	case transport.Success:
		return 0, false
	case transport.ConsentRequired:
		return ConditionConsentRequired, true
	case transport.DisabledByPolicy:
		return ConditionDisabledByPolicy, true
	case transport.DisabledByUser:
		return ConditionDisabledByUser, true
	case transport.RadioNotAvailable:
		return ConditionRadioNotAvailable, true
	case transport.DeviceNotConnected:
		return ConditionDeviceNotConnected, true
	case transport.ResourceInUse:
		return ConditionResourceInUse, true
	case transport.NotSupported:
		return ConditionNotSupported, true
	case transport.TransportNotSupported:
		return ConditionTransportNotSupported, true
	case transport.OtherError:
		return ConditionOther, true
	default:
		return ConditionUnknown, true
	}
}

// Operation names the transport role a failure applies to.
type Operation string

const (
	OpPublishing Operation = "publishing"
	OpScanning   Operation = "scanning"
)

// TransportError reports a failed publisher or watcher.
type TransportError struct {
	Op        Operation
	Condition Condition
	Err       error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Op, e.Condition, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Condition)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedPayloadError reports a recognised entry that could not be decoded.
type MalformedPayloadError struct {
	CompanyID uint16
	Address   string
	Size      int
	Err       error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed manufacturer data from %s (company %#04x, %d bytes): %v", e.Address, e.CompanyID, e.Size, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}
