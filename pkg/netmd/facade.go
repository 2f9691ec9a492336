package netmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// secureQueryHeader is the AV/C vendor-dependent envelope every secure
// (key-exchange, download, commit) command rides inside: subunit 0x1800,
// a fixed 6-byte opcode sequence, then the 1-byte secure sub-command.
const secureQueryHeader = "00 1800 08 00 46 f0 03 01 03"

// secureRespHeader is the same envelope as it appears in a response,
// with the leading direction marker already stripped by Transport.Exchange
// (consumed as the status byte).
const secureRespHeader = "1800 08 00 46 f0 03 01 03"

// secureExchange wraps one secure sub-command (cmd) and its data payload
// in the AV/C envelope, sends it, and strips the matching envelope off
// the response, returning only the sub-command's payload bytes. Mirrors
// the reference client's secureExchange/secureReceive pair.
func secureExchange(ctx context.Context, t *Transport, cmd byte, data []byte, expected byte) ([]byte, error) {
	var query []byte
	var err error
	if len(data) > 0 {
		query, err = Format(secureQueryHeader+" %b ff %*", cmd, data)
	} else {
		query, err = Format(secureQueryHeader+" %b ff", cmd)
	}
	if err != nil {
		return nil, err
	}

	resp, err := t.Exchange(ctx, query, expected, false, 0)
	if err != nil {
		return nil, err
	}
	return parseSecureResponse(resp, cmd)
}

// secureReceive reads one asynchronous secure response (the track-send
// completion reply that arrives after the bulk audio transfer) without
// sending a new command.
func secureReceive(ctx context.Context, t *Transport, cmd byte, expected byte) ([]byte, error) {
	resp, err := t.ReceiveOnly(ctx, expected)
	if err != nil {
		return nil, err
	}
	return parseSecureResponse(resp, cmd)
}

func parseSecureResponse(resp []byte, cmd byte) ([]byte, error) {
	captures, err := Scan(resp, secureRespHeader+" %b %*")
	if err != nil {
		return nil, fmt.Errorf("%w: malformed secure response envelope: %v", ErrCmdFailed, err)
	}
	echoed, ok := captures[0].(uint8)
	if !ok || echoed != cmd {
		return nil, fmt.Errorf("%w: secure response echoed command %v, want %#x", ErrCmdFailed, captures[0], cmd)
	}
	payload, _ := captures[1].([]byte)
	return payload, nil
}

// Secure sub-command codes, from the reference client's CNetMdSecure.
const (
	secCmdEnterSession    = 0x80
	secCmdLeaveSession    = 0x81
	secCmdSendKeyData     = 0x12
	secCmdSessionKey      = 0x20
	secCmdSetupDownload   = 0x22
	secCmdSendTrack       = 0x28
	secCmdCommit          = 0x48
	secCmdTrackProtection = 0x2b
)

// Embedded secure-session constants: a fixed root key, the key-exchange
// block's chain and signature, and the KEK/content-id pair every upload
// wraps its track key under. These mirror the reference client's
// sendAudioTrack, which hard-codes the same values.
var (
	defaultRootKey = []byte{
		0x13, 0x37, 0x13, 0x37, 0x13, 0x37, 0x13, 0x37,
		0x13, 0x37, 0x13, 0x37, 0x13, 0x37, 0x13, 0x37,
	}
	defaultEKBChain = []byte{
		0x25, 0x45, 0x06, 0x4d, 0xea, 0xca, 0x14, 0xf9, 0x96, 0xbd, 0xc8, 0xa4,
		0x06, 0xc2, 0x2b, 0x81, 0x49, 0xba, 0xf0, 0xdf, 0x26, 0x9d, 0xb7, 0x1d,
		0x49, 0xba, 0xf0, 0xdf, 0x26, 0x9d, 0xb7, 0x1d,
	}
	defaultEKBSignature = []byte{
		0xe8, 0xef, 0x73, 0x45, 0x8d, 0x5b, 0x8b, 0xf8, 0xe8, 0xef, 0x73, 0x45,
		0x8d, 0x5b, 0x8b, 0xf8, 0x38, 0x5b, 0x49, 0x36, 0x7b, 0x42, 0x0c, 0x58,
	}
	defaultKEK = []byte{0x14, 0xe3, 0x83, 0x4e, 0xe2, 0xd3, 0xcc, 0xa5}
	defaultContentID = []byte{
		0x01, 0x0f, 0x50, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x48,
		0xa2, 0x8d, 0x3e, 0x1a, 0x3b, 0x0c, 0x44, 0xaf, 0x2f, 0xa0,
	}
)

const (
	defaultEKBID    = 0x26422642
	defaultEKBDepth = 9
)

// UploadRequest is the facade's entry point for one track upload. Data
// is the audio payload already decoded and, for SP ATRAC1, restructured
// by the wav package; the facade only handles packetization, session
// crypto, and the on-wire command sequence.
type UploadRequest struct {
	Title      string
	WireFormat WireFormat
	DiscFormat byte
	Mono       bool
	Data       []byte

	// OverrideFrames replaces the frame count PreparePackets derives from
	// the padded data length. SP ATRAC1 uploads use the original
	// 212-byte-frame count instead of the wire-format frame size.
	OverrideFrames int

	// ApplySPPatch requests the SP-upload patch set be applied, and
	// undone afterward, before the track is sent.
	ApplySPPatch bool

	// Keys overrides the embedded secure-session constants. A zero value
	// keeps every built-in default; any field an override sets replaces
	// only that field, for labs running alternate or emulated firmware.
	Keys KeyMaterial
}

// KeyMaterial overrides one or more of the default secure-session
// constants (root key, key-encryption key, content ID, EKB chain and
// signature). Every field is optional; an unset field falls back to the
// compiled-in default so a partial override (e.g. only the KEK) works.
type KeyMaterial struct {
	RootKey      []byte
	KEK          []byte
	ContentID    []byte
	EKBID        uint32
	EKBDepth     uint32
	EKBChain     []byte
	EKBSignature []byte
}

func (k KeyMaterial) rootKey() []byte {
	if len(k.RootKey) > 0 {
		return k.RootKey
	}
	return defaultRootKey
}

func (k KeyMaterial) kek() []byte {
	if len(k.KEK) > 0 {
		return k.KEK
	}
	return defaultKEK
}

func (k KeyMaterial) contentID() []byte {
	if len(k.ContentID) > 0 {
		return k.ContentID
	}
	return defaultContentID
}

func (k KeyMaterial) ekb() EKB {
	ekb := EKB{ID: defaultEKBID, Depth: defaultEKBDepth, Chain: defaultEKBChain, Signature: defaultEKBSignature}
	if k.EKBID != 0 {
		ekb.ID = k.EKBID
	}
	if k.EKBDepth != 0 {
		ekb.Depth = k.EKBDepth
	}
	if len(k.EKBChain) > 0 {
		ekb.Chain = k.EKBChain
	}
	if len(k.EKBSignature) > 0 {
		ekb.Signature = k.EKBSignature
	}
	return ekb
}

// UploadResult is the facade's report of one completed upload.
type UploadResult struct {
	Track uint16
}

// Upload drives the full secure-download sequence for one track:
// acquire, enter session, key exchange, setup download, packetize and
// send, commit, then release. Any failure aborts the session; if a
// patch set was applied it is undone before Upload returns.
func (d *Device) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	t := d.Transport

	if d.Info.NeedsAcquire {
		if err := t.AcquireRelease(ctx, true); err != nil {
			slog.Warn("acquire failed, continuing", "device", d.Info.Name, "err", err)
		}
		defer func() {
			if err := t.AcquireRelease(ctx, false); err != nil {
				slog.Warn("release failed", "device", d.Info.Name, "err", err)
			}
		}()
	}

	if req.ApplySPPatch {
		pe := d.patchEngine()
		if _, err := pe.Probe(ctx); err != nil {
			return UploadResult{}, fmt.Errorf("SP upload requires a patchable device: %w", err)
		}
		defer func() {
			if err := pe.UndoSPUpload(ctx); err != nil {
				slog.Warn("undoing SP patches failed", "err", err)
			}
		}()
		if err := pe.ApplySPUpload(ctx); err != nil {
			return UploadResult{}, err
		}
	}

	track, err := d.runUploadSequence(ctx, t, req)
	if err != nil {
		return UploadResult{}, err
	}
	return UploadResult{Track: track}, nil
}

func (d *Device) runUploadSequence(ctx context.Context, t *Transport, req UploadRequest) (uint16, error) {
	// A freshly connected device is not in a session; leaving one that
	// doesn't exist is expected to fail harmlessly.
	_, _ = secureExchange(ctx, t, secCmdLeaveSession, nil, statusAccepted)

	protectCmd := []byte{0x00, 0x01, 0x00, 0x00, 0x01}
	if _, err := secureExchange(ctx, t, secCmdTrackProtection, protectCmd, statusAccepted); err != nil {
		slog.Debug("set-track-protection failed, continuing", "err", err)
	}

	if _, err := secureExchange(ctx, t, secCmdEnterSession, nil, statusAccepted); err != nil {
		slog.Debug("enter-session failed, continuing", "err", err)
	}

	sess := NewSession(req.Keys.rootKey(), req.Keys.kek(), req.Keys.contentID())
	if err := sess.Enter(); err != nil {
		return 0, err
	}

	ekb := req.Keys.ekb()
	keyData, err := ekb.FormatSendKeyData()
	if err != nil {
		sess.Abort()
		return 0, err
	}
	if _, err := secureExchange(ctx, t, secCmdSendKeyData, keyData, statusAccepted); err != nil {
		sess.Abort()
		return 0, err
	}
	if err := sess.SendEKB(ekb); err != nil {
		sess.Abort()
		return 0, err
	}

	hostNonce, err := randomBytes(8)
	if err != nil {
		sess.Abort()
		return 0, err
	}
	nonceCmd, err := Format("000000 %*", hostNonce)
	if err != nil {
		sess.Abort()
		return 0, err
	}
	nonceResp, err := secureExchange(ctx, t, secCmdSessionKey, nonceCmd, statusAccepted)
	if err != nil {
		sess.Abort()
		return 0, err
	}
	if len(nonceResp) < 11 {
		sess.Abort()
		return 0, fmt.Errorf("%w: session key exchange response too short", ErrCmdFailed)
	}
	deviceNonce := nonceResp[3:11]
	if err := sess.ExchangeNonces(deviceNonce); err != nil {
		return 0, err
	}

	setupPlain, err := sess.SetupDownloadPayload()
	if err != nil {
		sess.Abort()
		return 0, err
	}
	setupCmd := append([]byte{0x00, 0x00}, setupPlain...)
	if _, err := secureExchange(ctx, t, secCmdSetupDownload, setupCmd, statusAccepted); err != nil {
		sess.Abort()
		return 0, err
	}
	if err := sess.MarkDownloadReady(); err != nil {
		sess.Abort()
		return 0, err
	}

	chain, err := PreparePackets(req.Data, req.WireFormat, req.Mono, sess.KEK)
	if err != nil {
		sess.Abort()
		return 0, err
	}
	frames := uint32(chain.Frames)
	if req.OverrideFrames > 0 {
		frames = uint32(req.OverrideFrames)
	}
	fsz, err := frameSize(req.WireFormat, req.Mono)
	if err != nil {
		sess.Abort()
		return 0, err
	}
	totalBytes := uint32(fsz)*frames + 24

	header, err := SendTrackHeader(byte(req.WireFormat), req.DiscFormat, frames, totalBytes)
	if err != nil {
		sess.Abort()
		return 0, err
	}
	if _, err := secureExchange(ctx, t, secCmdSendTrack, header, statusInterim); err != nil {
		sess.Abort()
		return 0, err
	}

	if err := sendPacketChain(ctx, t, chain); err != nil {
		sess.Abort()
		return 0, err
	}

	trackResp, err := secureReceive(ctx, t, secCmdSendTrack, statusAccepted)
	if err != nil {
		sess.Abort()
		return 0, err
	}
	captures, err := Scan(trackResp, "00 01 00 10 01 %>w 00 %?%?%?%?%?%?%?%?%?%? %*")
	if err != nil {
		sess.Abort()
		return 0, fmt.Errorf("%w: malformed track-assignment response: %v", ErrCmdFailed, err)
	}
	track, ok := captures[0].(uint16)
	if !ok {
		sess.Abort()
		return 0, fmt.Errorf("%w: track-assignment response missing track number", ErrCmdFailed)
	}
	if err := sess.MarkTrackWritten(track); err != nil {
		return 0, err
	}

	tok := t.lock()
	t.waitForSync(ctx, tok)
	t.unlock(tok)
	commitPayload, err := sess.CommitPayload()
	if err != nil {
		sess.Abort()
		return 0, err
	}
	if _, err := secureExchange(ctx, t, secCmdCommit, commitPayload, statusAccepted); err != nil {
		sess.Abort()
		return 0, err
	}
	tok2 := t.lock()
	t.waitForSync(ctx, tok2)
	t.unlock(tok2)
	if err := sess.MarkCommitted(); err != nil {
		return 0, err
	}

	_, _ = secureExchange(ctx, t, secCmdSessionKey, []byte{0x00, 0x00, 0x00}, statusAccepted)
	if err := sess.ForgetAndLeave(); err != nil {
		return 0, err
	}
	_, _ = secureExchange(ctx, t, secCmdLeaveSession, nil, statusAccepted)

	return track, nil
}

// sendPacketChain bulk-transfers every packet in chain, with the
// documented 80-second per-packet timeout.
func sendPacketChain(ctx context.Context, t *Transport, chain *PacketChain) error {
	for i, pkt := range chain.Packets {
		var wire []byte
		var err error
		if i == 0 {
			wire, err = Format("%>q %* %* %*", uint64(chain.TotalBytes), pkt.WrappedKey, pkt.IV, pkt.Ciphertext)
		} else {
			wire = pkt.Ciphertext
		}
		if err != nil {
			return err
		}
		if err := t.BulkTransfer(ctx, wire, 80*time.Second); err != nil {
			return err
		}
	}
	return nil
}
