package netmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/gousb"
)

// hotplugPollInterval is the emulated hot-plug poll period; gousb has no
// native hot-plug callback, so this poller is the only path.
const hotplugPollInterval = 250 * time.Millisecond

// HotplugEvent reports one known device appearing or disappearing from
// the USB bus.
type HotplugEvent struct {
	Added bool
	Info  DeviceInfo
}

// HotplugCallback receives one hot-plug event, invoked under the guard
// transport's exclusion if one was supplied to NewHotplugWatcher.
type HotplugCallback func(event HotplugEvent)

// deviceScanner abstracts one poll of the USB bus for known devices, so
// HotplugWatcher can be exercised without real hardware.
type deviceScanner interface {
	Scan() (map[uint32]DeviceInfo, error)
}

// gousbScanner opens a fresh context per poll, filters against the
// static registry, and immediately closes every match: it only needs
// device identity, not a held handle.
type gousbScanner struct{}

func (gousbScanner) Scan() (map[uint32]DeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := LookupDevice(uint16(desc.Vendor), uint16(desc.Product))
		return ok
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("%w: scanning USB devices: %v", ErrUsb, err)
	}

	found := make(map[uint32]DeviceInfo, len(devs))
	for _, d := range devs {
		info, _ := LookupDevice(uint16(d.Desc.Vendor), uint16(d.Desc.Product))
		found[packedID(info.VendorID, info.ProductID)] = info
		_ = d.Close()
	}
	return found, nil
}

// HotplugWatcher polls the USB device list for known NetMD devices
// connecting or disconnecting, diffing successive polls by packed
// vendor/product key.
type HotplugWatcher struct {
	scanner deviceScanner
	guard   *Transport // optional; events run under its exclusion if set
	onEvent HotplugCallback
}

// NewHotplugWatcher constructs a watcher that emulates hot-plug via
// polling. guard, if non-nil, is locked for the duration of each
// callback invocation so it can't race an in-flight exchange on the
// same transport.
func NewHotplugWatcher(guard *Transport, onEvent HotplugCallback) *HotplugWatcher {
	return &HotplugWatcher{scanner: gousbScanner{}, guard: guard, onEvent: onEvent}
}

// Run polls every 250ms until ctx is canceled, invoking onEvent once for
// every device that newly appears or disappears since the previous
// poll. The first poll establishes a baseline and emits no events.
func (w *HotplugWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(hotplugPollInterval)
	defer ticker.Stop()

	prev, err := w.scanner.Scan()
	if err != nil {
		slog.Warn("hotplug: initial scan failed", "err", err)
		prev = map[uint32]DeviceInfo{}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur, err := w.scanner.Scan()
		if err != nil {
			slog.Warn("hotplug: scan failed, skipping this poll", "err", err)
			continue
		}

		for key, info := range cur {
			if _, ok := prev[key]; !ok {
				w.emit(HotplugEvent{Added: true, Info: info})
			}
		}
		for key, info := range prev {
			if _, ok := cur[key]; !ok {
				w.emit(HotplugEvent{Added: false, Info: info})
			}
		}
		prev = cur
	}
}

func (w *HotplugWatcher) emit(ev HotplugEvent) {
	if w.guard != nil {
		tok := w.guard.lock()
		defer w.guard.unlock(tok)
	}
	w.onEvent(ev)
}
