package netmd

import (
	"context"
	"fmt"
)

// discTitleTD is the disc-title-text descriptor WriteDiscHeaderString
// opens and closes around its write.
var discTitleTD = []byte{0x10, 0x18, 0x01}

// audioContentsTD is the descriptor ReadDiscHeaderString opens for read
// before its chunked query loop.
var audioContentsTD = []byte{0x10, 0x10, 0x01}

// headerQueryCmd is one chunked read of the disc header string:
// 00 1806 02 20 18 01 00 00 30 00 0a 00 ff 00 <remaining:u16-be>
// <read:u16-be>.
func headerQueryCmd(remaining, read uint16) ([]byte, error) {
	return Format("00 1806 02 20 18 01 00 00 30 00 0a 00 ff 00 %>w %>w", remaining, read)
}

// ReadDiscHeaderString reads the wire-format header string in chunks. It
// first opens the audio-contents descriptor for read, a handshake the
// device expects before the chunked query loop will answer. The first
// response declares the total length at offset 23 and the chunk size at
// offset 15 (minus the 6-byte preamble carried only on that first
// chunk); reads continue until the accumulated length reaches the total.
func ReadDiscHeaderString(ctx context.Context, t *Transport) (string, error) {
	if err := t.ChangeDescriptor(ctx, audioContentsTD, DescriptorOpenRead); err != nil {
		return "", err
	}

	var acc []byte
	var total uint16
	var read uint16

	for {
		cmd, err := headerQueryCmd(0xffff-read, read)
		if err != nil {
			return "", err
		}
		resp, err := t.Exchange(ctx, cmd, statusAccepted, false, 0)
		if err != nil {
			return "", err
		}
		if len(resp) < 25 {
			return "", fmt.Errorf("%w: header chunk response too short", ErrHeaderInvalid)
		}

		if read == 0 {
			total = uint16(getBE(resp[23:25]))
			chunkLen := int(getBE(resp[15:17])) - 6
			if chunkLen < 0 || 25+chunkLen > len(resp) {
				return "", fmt.Errorf("%w: header chunk size out of range", ErrHeaderInvalid)
			}
			acc = append(acc, resp[25:25+chunkLen]...)
			read += uint16(chunkLen)
			continue
		}

		chunk := resp[15:]
		acc = append(acc, chunk...)
		read += uint16(len(chunk))

		if read >= total {
			break
		}
	}

	if int(total) < len(acc) {
		acc = acc[:total]
	}
	return string(acc), nil
}

// WriteDiscHeaderString writes a new header string against the disc-title
// descriptor, via the five-command open-read/close/open-write/write/close
// sequence, declaring the previous string's length so the device can
// detect concurrent modification. The closing descriptor change is
// issued even when the write itself fails, matching the unconditional
// close the device expects to see.
func WriteDiscHeaderString(ctx context.Context, t *Transport, newString string, oldLen int) error {
	if err := t.ChangeDescriptor(ctx, discTitleTD, DescriptorOpenRead); err != nil {
		return err
	}
	if err := t.ChangeDescriptor(ctx, discTitleTD, DescriptorClose); err != nil {
		return err
	}
	if err := t.ChangeDescriptor(ctx, discTitleTD, DescriptorOpenWrite); err != nil {
		return err
	}
	defer t.ChangeDescriptor(ctx, discTitleTD, DescriptorClose)

	payload := []byte(newString)
	cmd, err := Format("00 1807 02 20 18 01 00 00 30 00 0a 00 50 00 %>w 00 00 %>w %*",
		uint16(len(payload)), uint16(oldLen), payload)
	if err != nil {
		return err
	}

	_, err = t.Exchange(ctx, cmd, statusAccepted, false, 0)
	if err != nil {
		if IsCmdFailed(err) {
			return fmt.Errorf("%w: old header length mismatch, concurrent modification", ErrHeaderStale)
		}
		return err
	}
	return nil
}
