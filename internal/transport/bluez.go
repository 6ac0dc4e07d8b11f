package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"
)

// Bluez drives the host adapter through tinygo's bluetooth package
// (BlueZ over D-Bus on Linux, WinRT on Windows, CoreBluetooth on macOS).
type Bluez struct {
	dispatcher

	adapter *bluetooth.Adapter
	logger  zerolog.Logger

	mu         sync.Mutex
	enabled    bool
	adv        *bluetooth.Advertisement
	publishing bool
	scanning   bool
	scanDone   chan struct{}
}

// NewBluez wraps the default adapter.
func NewBluez(logger zerolog.Logger) *Bluez {
	return &Bluez{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger.With().Str("component", "transport_bluez").Logger(),
	}
}

func (b *Bluez) enable() error {
	if b.enabled {
		return nil
	}
	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", classify(err))
	}
	b.enabled = true
	return nil
}

// StartPublishing configures and starts the default advertisement.
func (b *Bluez) StartPublishing(opts PublishOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enable(); err != nil {
		return err
	}
	if opts.UseExtendedAdvertising || opts.IncludeTxPower || opts.PreferredTxPower.Valid() {
		b.logger.Debug().
			Bool("extended", opts.UseExtendedAdvertising).
			Bool("include_tx_power", opts.IncludeTxPower).
			Msg("advertising options not supported by adapter; using legacy advertisement")
	}

	if b.adv == nil {
		b.adv = b.adapter.DefaultAdvertisement()
	}
	err := b.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName: opts.LocalName,
		ManufacturerData: []bluetooth.ManufacturerDataElement{
			{CompanyID: opts.Manufacturer.CompanyID, Data: opts.Manufacturer.Data},
		},
	})
	if err != nil {
		return fmt.Errorf("configure advertisement: %w", classify(err))
	}
	if err := b.adv.Start(); err != nil {
		return fmt.Errorf("start advertisement: %w", classify(err))
	}

	b.publishing = true
	b.dispatcher.publisherStatus(Success)
	return nil
}

// StopPublishing stops the advertisement.
func (b *Bluez) StopPublishing() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.publishing || b.adv == nil {
		return ErrNotStarted
	}
	if err := b.adv.Stop(); err != nil {
		return fmt.Errorf("stop advertisement: %w", classify(err))
	}
	b.publishing = false
	return nil
}

// StartScanning starts the watcher. Scan blocks inside the library, so it
// runs on its own goroutine and reports through OnScanningStopped.
func (b *Bluez) StartScanning() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enable(); err != nil {
		return err
	}
	if b.scanning {
		return nil
	}

	done := make(chan struct{})
	b.scanning = true
	b.scanDone = done

	go func() {
		defer close(done)
		err := b.adapter.Scan(b.onScanResult)

		b.mu.Lock()
		b.scanning = false
		b.mu.Unlock()

		if err != nil {
			b.logger.Error().Err(err).Msg("scan terminated")
			b.dispatcher.scanStopped(CodeOf(err))
			return
		}
		b.dispatcher.scanStopped(Success)
	}()
	return nil
}

// StopScanning stops the watcher and waits for the scan goroutine to exit.
func (b *Bluez) StopScanning() error {
	b.mu.Lock()
	if !b.scanning {
		b.mu.Unlock()
		return ErrNotStarted
	}
	done := b.scanDone
	b.mu.Unlock()

	if err := b.adapter.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", classify(err))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn().Msg("scan goroutine did not exit in time")
	}
	return nil
}

func (b *Bluez) onScanResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	elements := result.ManufacturerData()
	if len(elements) == 0 {
		return
	}

	entries := make([]ManufacturerData, 0, len(elements))
	for _, el := range elements {
		entries = append(entries, ManufacturerData{CompanyID: el.CompanyID, Data: el.Data})
	}

	b.dispatcher.advertisement(Advertisement{
		Address:           result.Address.String(),
		SignalStrengthDBm: result.RSSI,
		TxPower:           NoTxPower(),
		ManufacturerData:  entries,
		ReceivedAt:        time.Now(),
	})
}

// classify maps permission failures reported by the platform to ErrAccessDenied.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) == ConsentRequired {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return err
}

// CodeOf maps an error returned by the platform stack to its status code.
// Errors of the in-process transports map to OtherError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	if errors.Is(err, ErrAccessDenied) {
		return ConsentRequired
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "notpermitted"), strings.Contains(msg, "notauthorized"),
		strings.Contains(msg, "access denied"), strings.Contains(msg, "accessdenied"):
		return ConsentRequired
	case strings.Contains(msg, "notready"), strings.Contains(msg, "no such adapter"),
		strings.Contains(msg, "powered off"):
		return RadioNotAvailable
	case strings.Contains(msg, "inprogress"), strings.Contains(msg, "busy"), strings.Contains(msg, "alreadyexists"):
		return ResourceInUse
	case strings.Contains(msg, "notsupported"), strings.Contains(msg, "not supported"):
		return NotSupported
	default:
		return OtherError
	}
}

var _ Transport = (*Bluez)(nil)
