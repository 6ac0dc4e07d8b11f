package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// CompanyID 是本应用信标使用的厂商标识（0xFFFE 属于测试保留段）。
	CompanyID uint16 = 0xFFFE

	// DefaultDeviceTag is the tag advertised by the reference configuration.
	DefaultDeviceTag = "testdev"

	// addressSize is the number of leading bytes holding the source address.
	addressSize = 4
)

var (
	// ErrMalformed 表示 company id 匹配但数据不足以解码。
	ErrMalformed = errors.New("payload: manufacturer data too short")
	// ErrInvalidTag indicates the device tag is not valid UTF-8.
	ErrInvalidTag = errors.New("payload: device tag is not valid utf-8")
)

// Manufacturer is the manufacturer-specific data exchanged between beacons.
type Manufacturer struct {
	CompanyID uint16
	DeviceTag string
	Data      []byte
}

// NewManufacturer builds the outbound payload for deviceTag.
func NewManufacturer(deviceTag string) (Manufacturer, error) {
	data, err := Encode(deviceTag)
	if err != nil {
		return Manufacturer{}, err
	}
	return Manufacturer{CompanyID: CompanyID, DeviceTag: deviceTag, Data: data}, nil
}

// Encode writes deviceTag as a uvarint length prefix followed by its UTF-8 bytes.
func Encode(deviceTag string) ([]byte, error) {
	if !utf8.ValidString(deviceTag) {
		return nil, ErrInvalidTag
	}
	buf := make([]byte, 0, binary.MaxVarintLen64+len(deviceTag))
	buf = binary.AppendUvarint(buf, uint64(len(deviceTag)))
	return append(buf, deviceTag...), nil
}

// TryDecode extracts the source address from a manufacturer-data entry.
//
// ok is false, with a nil error, when companyID is not CompanyID. That is a
// normal filtering outcome. A matching entry shorter than four bytes yields
// ErrMalformed. Bytes after the address are ignored.
func TryDecode(companyID uint16, data []byte) (sourceAddress uint32, ok bool, err error) {
	if companyID != CompanyID {
		return 0, false, nil
	}
	if len(data) < addressSize {
		return 0, false, fmt.Errorf("%w: %d of %d bytes", ErrMalformed, len(data), addressSize)
	}
	return binary.LittleEndian.Uint32(data[:addressSize]), true, nil
}
