package netmd

import (
	"errors"
	"fmt"
)

// Status bytes returned in the first byte of every NetMD response.
const (
	statusControl  = 0x00
	statusNotImpl  = 0x08
	statusAccepted = 0x09
	statusRejected = 0x0A
	statusInterim  = 0x0F
)

func statusName(status byte) string {
	switch status {
	case statusAccepted:
		return "accepted"
	case statusInterim:
		return "interim"
	case statusNotImpl:
		return "not implemented"
	case statusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown status 0x%02X", status)
	}
}

// Sentinel error kinds from the facade's error taxonomy. Every operation
// that fails returns an error wrapping one of these via errors.Is, so
// callers can branch on kind without depending on a concrete type.
var (
	ErrUsb           = errors.New("netmd: usb error")
	ErrNotReady      = errors.New("netmd: device not open or busy")
	ErrTimeout       = errors.New("netmd: operation timed out")
	ErrCmdFailed     = errors.New("netmd: device rejected command")
	ErrCmdInvalid    = errors.New("netmd: unexpected status from device")
	ErrInvalidParam  = errors.New("netmd: invalid parameter")
	ErrNotSupported  = errors.New("netmd: not supported by this device")
	ErrOther         = errors.New("netmd: internal error")
	ErrUsbBusy       = fmt.Errorf("%w: device already open", ErrUsb)
	ErrUsbOpen       = fmt.Errorf("%w: failed to open device", ErrUsb)
	ErrUsbBulk       = fmt.Errorf("%w: bulk transfer failed", ErrUsb)
	ErrHeaderInvalid = fmt.Errorf("%w: disc header string is invalid", ErrInvalidParam)
	ErrHeaderStale   = fmt.Errorf("%w: disc header changed concurrently", ErrCmdFailed)
	ErrTocFull       = fmt.Errorf("%w: no free UTOC fragment or title cell", ErrCmdFailed)
	ErrNoSupport     = fmt.Errorf("%w: device firmware fingerprint unrecognized", ErrNotSupported)
)

// StatusError reports a non-accepted status byte returned by the device for
// a specific command. It wraps one of the sentinel kinds above so callers
// can use errors.Is(err, ErrCmdFailed) etc. without caring about the byte
// value itself.
type StatusError struct {
	Command byte
	Status  byte
	Kind    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("netmd: command 0x%02X: device returned %s", e.Command, statusName(e.Status))
}

func (e *StatusError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}

// classifyStatus maps a response status byte to a StatusError, given what
// the caller declared as its expected (accepted) status.
func classifyStatus(cmd byte, status byte, expected byte) error {
	switch {
	case status == expected:
		return nil
	case status == statusInterim:
		return &StatusError{Command: cmd, Status: status, Kind: ErrCmdInvalid}
	case status == statusNotImpl:
		return &StatusError{Command: cmd, Status: status, Kind: ErrNotSupported}
	case status == statusRejected:
		return &StatusError{Command: cmd, Status: status, Kind: ErrCmdFailed}
	default:
		return &StatusError{Command: cmd, Status: status, Kind: ErrOther}
	}
}

// IsTimeout reports whether err is (or wraps) ErrTimeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsNotSupported reports whether err is (or wraps) ErrNotSupported.
func IsNotSupported(err error) bool { return errors.Is(err, ErrNotSupported) }

// IsCmdFailed reports whether err is (or wraps) ErrCmdFailed.
func IsCmdFailed(err error) bool { return errors.Is(err, ErrCmdFailed) }
