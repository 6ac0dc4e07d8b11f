package replay

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"beaconwatch/internal/transport"
)

// Header is the capture file column layout. Each row holds one
// manufacturer-data entry; rows sharing timestamp and address form one
// advertisement.
var Header = []string{"timestamp", "address", "company_id", "data", "rssi_dbm", "tx_power_dbm"}

// ErrBadRow marks a capture row that cannot be parsed.
var ErrBadRow = errors.New("replay: bad capture row")

// Reader decodes advertisements from a capture.
type Reader struct {
	csv     *csv.Reader
	line    int
	pending *row
}

type row struct {
	at      time.Time
	address string
	rssi    int16
	tx      transport.TxPower
	entry   transport.ManufacturerData
}

// NewReader validates the header and returns a Reader.
func NewReader(r io.Reader) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	cr.Comment = '#'

	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	for i, name := range Header {
		if strings.TrimSpace(strings.ToLower(head[i])) != name {
			return nil, fmt.Errorf("%w: header column %d is %q, want %q", ErrBadRow, i+1, head[i], name)
		}
	}
	return &Reader{csv: cr, line: 1}, nil
}

// Next returns the next advertisement, or io.EOF when the capture is exhausted.
func (r *Reader) Next() (transport.Advertisement, error) {
	first := r.pending
	r.pending = nil
	if first == nil {
		var err error
		if first, err = r.readRow(); err != nil {
			return transport.Advertisement{}, err
		}
	}

	ad := transport.Advertisement{
		Address:           first.address,
		SignalStrengthDBm: first.rssi,
		TxPower:           first.tx,
		ManufacturerData:  []transport.ManufacturerData{first.entry},
		ReceivedAt:        first.at,
	}
	for {
		next, err := r.readRow()
		if errors.Is(err, io.EOF) {
			return ad, nil
		}
		if err != nil {
			return transport.Advertisement{}, err
		}
		if !next.at.Equal(first.at) || next.address != first.address {
			r.pending = next
			return ad, nil
		}
		ad.ManufacturerData = append(ad.ManufacturerData, next.entry)
	}
}

func (r *Reader) readRow() (*row, error) {
	rec, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read capture: %w", err)
	}
	r.line++

	at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(rec[0]))
	if err != nil {
		return nil, r.bad("timestamp", err)
	}
	company, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(rec[2])), "0x"), 16, 16)
	if err != nil {
		return nil, r.bad("company_id", err)
	}
	data, err := hex.DecodeString(strings.TrimSpace(rec[3]))
	if err != nil {
		return nil, r.bad("data", err)
	}
	rssi, err := strconv.ParseInt(strings.TrimSpace(rec[4]), 10, 16)
	if err != nil {
		return nil, r.bad("rssi_dbm", err)
	}
	tx := transport.NoTxPower()
	if v := strings.TrimSpace(rec[5]); v != "" {
		dbm, err := strconv.ParseInt(v, 10, 16)
		if err != nil {
			return nil, r.bad("tx_power_dbm", err)
		}
		tx = transport.TxPowerOf(int16(dbm))
	}

	return &row{
		at:      at,
		address: strings.TrimSpace(rec[1]),
		rssi:    int16(rssi),
		tx:      tx,
		entry:   transport.ManufacturerData{CompanyID: uint16(company), Data: data},
	}, nil
}

func (r *Reader) bad(column string, err error) error {
	return fmt.Errorf("%w: line %d column %s: %v", ErrBadRow, r.line, column, err)
}

// Writer records received advertisements as a capture. It implements
// transport.Handler so it can subscribe to a live transport.
type Writer struct {
	mu  sync.Mutex
	csv *csv.Writer
	err error
}

// NewWriter writes the header and returns a Writer.
func NewWriter(w io.Writer) (*Writer, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return &Writer{csv: cw}, nil
}

// Write appends one row per manufacturer-data entry of ad.
func (w *Writer) Write(ad transport.Advertisement) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}

	tx := ""
	if dbm, ok := ad.TxPower.Get(); ok {
		tx = strconv.Itoa(int(dbm))
	}
	at := ad.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	for _, entry := range ad.ManufacturerData {
		rec := []string{
			at.UTC().Format(time.RFC3339Nano),
			ad.Address,
			fmt.Sprintf("0x%04x", entry.CompanyID),
			hex.EncodeToString(entry.Data),
			strconv.Itoa(int(ad.SignalStrengthDBm)),
			tx,
		}
		if err := w.csv.Write(rec); err != nil {
			w.err = fmt.Errorf("write capture row: %w", err)
			return w.err
		}
	}
	return nil
}

// Flush writes buffered rows to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush capture: %w", err)
	}
	return w.err
}

// OnAdvertisementReceived implements transport.Handler.
func (w *Writer) OnAdvertisementReceived(ad transport.Advertisement) {
	_ = w.Write(ad)
}

// OnPublisherStatusChanged implements transport.Handler.
func (w *Writer) OnPublisherStatusChanged(transport.ErrorCode) {}

// OnScanningStopped implements transport.Handler.
func (w *Writer) OnScanningStopped(transport.ErrorCode) {}

var _ transport.Handler = (*Writer)(nil)
