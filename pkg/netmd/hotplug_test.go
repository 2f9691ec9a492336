package netmd

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeScanner replays a fixed sequence of Scan() results, one per call,
// repeating the last entry once exhausted.
type fakeScanner struct {
	mu      sync.Mutex
	results []map[uint32]DeviceInfo
	calls   int
}

func (f *fakeScanner) Scan() (map[uint32]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx], nil
}

func TestHotplugWatcherEmitsAddAndRemove(t *testing.T) {
	infoA := DeviceInfo{VendorID: 0x054c, ProductID: 0x0036, Name: "Sony NetMD Walkman"}
	keyA := packedID(infoA.VendorID, infoA.ProductID)

	scanner := &fakeScanner{results: []map[uint32]DeviceInfo{
		{},                  // baseline: nothing connected
		{keyA: infoA},       // device appears
		{},                  // device disappears
		{},                  // steady state, no more events
	}}

	var mu sync.Mutex
	var events []HotplugEvent
	w := &HotplugWatcher{
		scanner: scanner,
		onEvent: func(ev HotplugEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 900*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 2 {
		t.Fatalf("got %d events, want at least 2 (add then remove): %+v", len(events), events)
	}
	if !events[0].Added || events[0].Info.ProductID != infoA.ProductID {
		t.Fatalf("first event = %+v, want add of %+v", events[0], infoA)
	}
	if events[1].Added {
		t.Fatalf("second event = %+v, want a remove", events[1])
	}
}

func TestHotplugWatcherStopsOnContextCancel(t *testing.T) {
	scanner := &fakeScanner{results: []map[uint32]DeviceInfo{{}}}
	w := &HotplugWatcher{scanner: scanner, onEvent: func(HotplugEvent) {}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after context cancellation")
	}
}

func TestHotplugWatcherLocksGuardDuringCallback(t *testing.T) {
	infoA := DeviceInfo{VendorID: 0x054c, ProductID: 0x0036}
	keyA := packedID(infoA.VendorID, infoA.ProductID)

	scanner := &fakeScanner{results: []map[uint32]DeviceInfo{
		{},
		{keyA: infoA},
		{keyA: infoA},
	}}

	guard := &Transport{}
	var sawLocked bool
	w := &HotplugWatcher{
		scanner: scanner,
		guard:   guard,
		onEvent: func(HotplugEvent) {
			// The guard's mutex must already be held by emit(); a
			// second lock attempt from inside the callback would
			// deadlock, so instead check the holder token is set.
			if guard.holder != 0 {
				sawLocked = true
			}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if !sawLocked {
		t.Fatal("callback ran without the guard transport locked")
	}
}
