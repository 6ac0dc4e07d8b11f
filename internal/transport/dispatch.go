package transport

import "sync"

// dispatcher fans transport events out to subscribed handlers in order.
type dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

func (d *dispatcher) Subscribe(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

func (d *dispatcher) snapshot() []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Handler(nil), d.handlers...)
}

func (d *dispatcher) advertisement(ad Advertisement) {
	for _, h := range d.snapshot() {
		h.OnAdvertisementReceived(ad)
	}
}

func (d *dispatcher) publisherStatus(code ErrorCode) {
	for _, h := range d.snapshot() {
		h.OnPublisherStatusChanged(code)
	}
}

func (d *dispatcher) scanStopped(code ErrorCode) {
	for _, h := range d.snapshot() {
		h.OnScanningStopped(code)
	}
}
