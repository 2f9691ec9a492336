package netmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"
)

// vendor-specific control-transfer request values.
const (
	reqStandard = 0x80
	reqFactory  = 0xff
)

// usbHandle is the minimal surface transport.go needs from a USB device.
// *gousb.Device satisfies it directly; tests substitute a fake so the
// exchange/retry/poll logic can be exercised without real hardware.
type usbHandle interface {
	Control(rType, request uint8, value, index uint16, data []byte) (int, error)
	Close() error
}

// outEndpoint is the bulk OUT endpoint surface; *gousb.OutEndpoint
// satisfies it directly.
type outEndpoint interface {
	Write(b []byte) (int, error)
}

// Transport owns the USB handle and the re-entrant exclusion guarding all
// traffic to one device. sync.Mutex is not itself re-entrant, so a call
// chain that already holds the exclusion passes its token to reenter
// rather than blocking on its own lock; waitForSync, run by OpenSelect
// while it holds the exclusion, is the one caller that does so. The patch
// engine's CleanRead/CleanWrite do not hold the exclusion across their
// open/operate/close steps: each Exchange they issue takes and releases
// it on its own.
type Transport struct {
	mu        sync.Mutex
	holder    uint64 // goroutine-ish token of the current holder, 0 = unheld
	nextToken uint64

	ctx    *gousb.Context
	dev    usbHandle
	iface  *gousb.Interface
	closer func()
	out    outEndpoint

	Info DeviceInfo

	factoryMode bool
}

// token identifies one logical call chain for re-entrancy purposes. A real
// per-goroutine id isn't available in Go, so callers that need to re-enter
// pass the token they were handed back in.
type token uint64

// lock acquires the exclusion for a fresh call chain and returns a token
// that nested calls on the same chain can pass to reenter.
func (t *Transport) lock() token {
	t.mu.Lock()
	t.nextToken++
	tok := t.nextToken
	t.holder = tok
	return token(tok)
}

func (t *Transport) unlock(tok token) {
	t.holder = 0
	t.mu.Unlock()
}

// reenter acquires the exclusion only if tok is not already the holder,
// returning whether it actually locked (and must later unlock).
func (t *Transport) reenter(tok token) bool {
	if tok != 0 && uint64(tok) == t.holder {
		return false
	}
	t.mu.Lock()
	t.holder = uint64(tok)
	return true
}

// DeviceSelector narrows which known device OpenSelect binds to when more
// than one is present on the bus. A zero value matches the first known
// device found, same as Open.
type DeviceSelector struct {
	VendorID  uint16 // 0 matches any vendor
	ProductID uint16 // 0 matches any product
	Index     int    // which candidate among the filtered matches, 0-based
}

// Open binds to the first known NetMD device found on the bus.
func Open(ctx context.Context) (*Transport, error) {
	return OpenSelect(ctx, DeviceSelector{})
}

// OpenSelect binds to a specific known NetMD device, narrowed by vendor
// ID, product ID, and/or bus-order index, for hosts with more than one
// recorder attached. It resets the device (up to 5 attempts, 100ms
// apart), claims its default interface and bulk OUT endpoint, and waits
// for sync. It does not read the product-string descriptor or probe the
// firmware fingerprint, and every failure is reported as ErrUsbOpen;
// ErrUsbBusy is never returned.
func OpenSelect(ctx context.Context, sel DeviceSelector) (*Transport, error) {
	usbCtx := gousb.NewContext()

	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		info, ok := LookupDevice(uint16(desc.Vendor), uint16(desc.Product))
		if !ok {
			return false
		}
		if sel.VendorID != 0 && info.VendorID != sel.VendorID {
			return false
		}
		if sel.ProductID != 0 && info.ProductID != sel.ProductID {
			return false
		}
		return true
	})
	if err != nil && len(devs) == 0 {
		usbCtx.Close()
		return nil, fmt.Errorf("%w: %v", ErrUsbOpen, err)
	}
	if len(devs) == 0 {
		usbCtx.Close()
		return nil, fmt.Errorf("%w: no known NetMD device found", ErrUsbOpen)
	}
	if sel.Index < 0 || sel.Index >= len(devs) {
		for _, d := range devs {
			_ = d.Close()
		}
		usbCtx.Close()
		return nil, fmt.Errorf("%w: device index %d out of range (found %d)", ErrUsbOpen, sel.Index, len(devs))
	}

	found := devs[sel.Index]
	for i, extra := range devs {
		if i != sel.Index {
			_ = extra.Close()
		}
	}
	info, _ := LookupDevice(uint16(found.Desc.Vendor), uint16(found.Desc.Product))

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if err := found.Reset(); err != nil {
			lastErr = err
			time.Sleep(100 * time.Millisecond)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		_ = found.Close()
		usbCtx.Close()
		return nil, fmt.Errorf("%w: reset: %v", ErrUsbOpen, lastErr)
	}

	iface, closer, err := found.DefaultInterface()
	if err != nil {
		_ = found.Close()
		usbCtx.Close()
		return nil, fmt.Errorf("%w: claim interface: %v", ErrUsbOpen, err)
	}

	out, err := iface.OutEndpoint(2)
	if err != nil {
		closer()
		_ = found.Close()
		usbCtx.Close()
		return nil, fmt.Errorf("%w: out endpoint: %v", ErrUsbOpen, err)
	}

	tr := &Transport{
		ctx:    usbCtx,
		dev:    found,
		iface:  iface,
		closer: closer,
		out:    out,
		Info:   info,
	}

	tok := tr.lock()
	defer tr.unlock(tok)
	tr.waitForSync(ctx, tok)

	return tr, nil
}

// Close releases the claimed interface and the underlying USB device.
func (t *Transport) Close() error {
	tok := t.lock()
	defer t.unlock(tok)
	if t.closer != nil {
		t.closer()
	}
	err := t.dev.Close()
	t.ctx.Close()
	return err
}

// responsePollBackoff is the exchange() response-length poll schedule:
// 5ms initial, doubling every 10 attempts, capped at 1s, 30 attempts max.
func responsePollBackoff(attempt int) time.Duration {
	shift := attempt / 10
	if shift > 8 { // caps well before overflow; 5ms<<8 already exceeds 1s
		shift = 8
	}
	d := 5 * time.Millisecond << uint(shift)
	if d > time.Second {
		d = time.Second
	}
	return d
}

// Exchange sends a command and returns its response payload, validating
// the status byte against expected. factory selects the vendor request
// value (0xFF instead of 0x80). overrideLen, if non-zero, replaces the
// device's declared response length (some commands lie about it).
func (t *Transport) Exchange(ctx context.Context, cmd []byte, expected byte, factory bool, overrideLen int) ([]byte, error) {
	tok := t.lock()
	defer t.unlock(tok)
	return t.exchangeLocked(ctx, cmd, expected, factory, overrideLen)
}

func (t *Transport) exchangeLocked(ctx context.Context, cmd []byte, expected byte, factory bool, overrideLen int) ([]byte, error) {
	// Drain any stale response left over from a prior partial exchange.
	t.drainStale(ctx)

	req := byte(reqStandard)
	if factory {
		req = reqFactory
	}
	_, length, err := t.sendAndPoll(ctx, req, cmd)
	if err != nil {
		return nil, err
	}
	if overrideLen > 0 {
		length = overrideLen
	}

	resp := make([]byte, length)
	if length > 0 {
		if _, err := t.dev.Control(0xc1, 0x01, 0, 0, resp); err != nil {
			return nil, fmt.Errorf("%w: reading response: %v", ErrUsb, err)
		}
	}

	if len(resp) > 0 && resp[0] == statusInterim && expected != statusInterim {
		_, length, err = t.pollResponseLength(ctx)
		if err != nil {
			return nil, err
		}
		resp = make([]byte, length)
		if length > 0 {
			if _, err := t.dev.Control(0xc1, 0x01, 0, 0, resp); err != nil {
				return nil, fmt.Errorf("%w: re-reading response: %v", ErrUsb, err)
			}
		}
	}

	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrCmdFailed)
	}
	if err := classifyStatus(cmd[0], resp[0], expected); err != nil {
		return nil, err
	}
	return resp[1:], nil
}

// ReceiveOnly polls for and reads one response without sending a new
// command first, for protocol steps whose completion status arrives
// asynchronously after a bulk transfer (the secure track-send reply).
func (t *Transport) ReceiveOnly(ctx context.Context, expected byte) ([]byte, error) {
	tok := t.lock()
	defer t.unlock(tok)

	_, length, err := t.pollResponseLength(ctx)
	if err != nil {
		return nil, err
	}
	resp := make([]byte, length)
	if length > 0 {
		if _, err := t.dev.Control(0xc1, 0x01, 0, 0, resp); err != nil {
			return nil, fmt.Errorf("%w: reading response: %v", ErrUsb, err)
		}
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrCmdFailed)
	}
	if err := classifyStatus(0, resp[0], expected); err != nil {
		return nil, err
	}
	return resp[1:], nil
}

// errPollAgain marks a response-length poll whose own Control call
// returned negative or errored, as opposed to succeeding but reporting
// "not ready yet". The original protocol treats this one differently:
// it redoes the whole send+poll pair, not another poll attempt.
var errPollAgain = fmt.Errorf("%w: response length poll returned negative", ErrUsb)

// sendCmd issues the command control transfer. The original protocol
// never retries this step on its own; a failure here is a hard error.
// Redoing the send lives one level up, in sendAndPoll, triggered only by
// a negative response-length poll.
func (t *Transport) sendCmd(request byte, cmd []byte) error {
	n, err := t.dev.Control(0x41, request, 0, 0, cmd)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: send: %v", ErrUsb, err)
	}
	return nil
}

// sendAndPoll sends cmd and polls for its response length as one unit.
// A response-length poll that fails outright (errPollAgain) redoes the
// entire pair exactly twice with no extra backoff — a narrow carve-out
// deliberately outside pollResponseLength's own "not ready yet" backoff
// schedule, since more retries here would regress latency against a
// genuinely disconnected device.
func (t *Transport) sendAndPoll(ctx context.Context, req byte, cmd []byte) (status byte, length int, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err = t.sendCmd(req, cmd); err != nil {
			return 0, 0, err
		}
		status, length, err = t.pollResponseLength(ctx)
		if err == nil || !errors.Is(err, errPollAgain) {
			return status, length, err
		}
	}
	return 0, 0, err
}

// pollResponseLength polls the response-length endpoint until it reports
// a ready response, using the exchange exponential back-off schedule. A
// negative or errored Control call is reported as errPollAgain
// immediately, without consuming any backoff attempts — only "not ready
// yet" (a successful call reporting a zero marker) is retried here.
func (t *Transport) pollResponseLength(ctx context.Context) (status byte, length int, err error) {
	hdr := make([]byte, 4)
	for attempt := 0; attempt < 30; attempt++ {
		n, cerr := t.dev.Control(0xc1, 0x01, 0, 0, hdr)
		if cerr != nil || n < 0 {
			return 0, 0, errPollAgain
		}
		if hdr[0] != 0 {
			status = hdr[1]
			length = int(getLE(hdr[2:4]))
			return status, length, nil
		}
		select {
		case <-ctx.Done():
			return 0, 0, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(responsePollBackoff(attempt)):
		}
	}
	return 0, 0, fmt.Errorf("%w: response length poll exhausted", ErrTimeout)
}

// drainStale polls once and discards any pending response so a fresh
// exchange starts from a clean slate.
func (t *Transport) drainStale(ctx context.Context) {
	hdr := make([]byte, 4)
	n, err := t.dev.Control(0xc1, 0x01, 0, 0, hdr)
	if err != nil || n < 0 || hdr[0] == 0 {
		return
	}
	length := int(getLE(hdr[2:4]))
	if length > 0 {
		discard := make([]byte, length)
		_, _ = t.dev.Control(0xc1, 0x01, 0, 0, discard)
	}
}

// BulkTransfer writes bytes to the bulk OUT endpoint, looping until all
// bytes are sent. A context deadline is treated as retriable up to the
// per-packet timeout; any other failure becomes ErrUsbBulk.
func (t *Transport) BulkTransfer(ctx context.Context, data []byte, timeout time.Duration) error {
	tok := t.lock()
	defer t.unlock(tok)

	deadline := time.Now().Add(timeout)
	for len(data) > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: timed out with %d bytes remaining", ErrUsbBulk, len(data))
		}
		n, err := t.out.Write(data)
		if err != nil {
			if ctx.Err() != nil {
				continue // deadline/cancellation races with a short write: retry
			}
			return fmt.Errorf("%w: %v", ErrUsbBulk, err)
		}
		data = data[n:]
	}
	return nil
}

// waitForSync issues the 4-byte sync control transfer up to 5 times with
// 100ms gaps; a response of exactly four zero bytes is success. Failure
// after all attempts is logged but non-fatal, matching devices that don't
// implement the sync command at all.
func (t *Transport) waitForSync(ctx context.Context, tok token) {
	reenter := t.reenter(tok)
	if reenter {
		defer t.mu.Unlock()
	}

	zero := []byte{0, 0, 0, 0}
	for attempt := 0; attempt < 5; attempt++ {
		resp := make([]byte, 4)
		n, err := t.dev.Control(0xc1, 0x01, 0, 0, resp)
		if err == nil && n == 4 && bytesEqual(resp, zero) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	slog.Warn("wait_for_sync: device did not settle after 5 attempts")
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ChangeDescriptor opens or closes one of the protocol's logical resources
// (disc title, UTOC, DSI, audio contents, subunit identifier, operating
// status) for reading or writing, as a raw factory-free control exchange.
// which is the descriptor's own byte identifier, whose length varies by
// descriptor: discTitleTD and rootTD are 3 bytes, operatingStatusBlock is
// 2, and the subunit identifier descriptor is a single 0x00 byte.
type DescriptorAction byte

const (
	DescriptorOpenRead DescriptorAction = iota
	DescriptorOpenWrite
	DescriptorClose
)

func (t *Transport) ChangeDescriptor(ctx context.Context, which []byte, action DescriptorAction) error {
	var sub byte
	switch action {
	case DescriptorOpenRead:
		sub = 0x01
	case DescriptorOpenWrite:
		sub = 0x03
	case DescriptorClose:
		sub = 0x00
	default:
		return fmt.Errorf("%w: unknown descriptor action %d", ErrInvalidParam, action)
	}
	cmd, err := Format("00 1808 %* %b 00", which, sub)
	if err != nil {
		return err
	}
	_, err = t.Exchange(ctx, cmd, statusAccepted, false, 0)
	return err
}

// acquireCmd and releaseCmd are the fixed 16-byte magic command payloads
// Sharp-branded recorders require before/after a command sequence. Sony
// devices reject them harmlessly; Device.Upload sends them only when
// Info.NeedsAcquire is set and logs a failure as a warning.
var (
	acquireCmd = []byte{0xFF, 0x01, 0x0C, 0x20, 0x5D, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x4A, 0xFF, 0xFF, 0x00}
	releaseCmd = []byte{0xFF, 0x01, 0x0C, 0x21, 0x5D, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x4A, 0xFF, 0xFF, 0x00}
)

// AcquireRelease issues the device-specific 16-byte magic commands some
// Sharp-branded recorders require before accepting any other command.
// Failure here is expected and harmless on Sony hardware; Device.Upload
// calls it only when Info.NeedsAcquire is set and treats a returned error
// as a warning, not a failure.
func (t *Transport) AcquireRelease(ctx context.Context, acquire bool) error {
	cmd := releaseCmd
	if acquire {
		cmd = acquireCmd
	}
	_, err := t.Exchange(ctx, cmd, statusAccepted, false, 0)
	return err
}
