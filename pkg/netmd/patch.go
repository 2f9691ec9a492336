package netmd

import (
	"context"
	"fmt"
)

// MemAccess selects the mode a factory-mode memory region is opened with.
type MemAccess byte

const (
	MemClose     MemAccess = 0x0
	MemRead      MemAccess = 0x1
	MemWrite     MemAccess = 0x2
	MemReadWrite MemAccess = 0x3
)

// PatchID names one entry in the fingerprint-indexed patch address/payload
// tables below.
type PatchID int

const (
	PatchDevType PatchID = iota
	PatchZeroA
	PatchZeroB
	PatchZero
	PatchPrep
	PatchCommon1
	PatchCommon2
	PatchTrackType
	PatchSafety
)

// patchAddrTab maps each patch id to its firmware address per fingerprint,
// recovered from firmware dumps; only S1.2xx and above are populated.
var patchAddrTab = map[PatchID]map[Fingerprint]uint32{
	PatchDevType: {
		FingerprintS1600: 0x02003fcf,
		FingerprintS1500: 0x02003fc7,
		FingerprintS1400: 0x03000220,
		FingerprintS1300: 0x02003e97,
	},
	PatchZeroA: {
		FingerprintS1600: 0x0007f408,
		FingerprintS1500: 0x0007e988,
		FingerprintS1400: 0x0007e2c8,
		FingerprintS1300: 0x0007aa00,
	},
	PatchZeroB: {
		FingerprintS1600: 0x0007efec,
		FingerprintS1500: 0x0007e56c,
		FingerprintS1400: 0x0007deac,
		FingerprintS1300: 0x0007a5e4,
		FingerprintS1200: 0x00078dcc,
	},
	PatchPrep: {
		FingerprintS1600: 0x00077c04,
		FingerprintS1500: 0x0007720c,
		FingerprintS1400: 0x00076b38,
		FingerprintS1300: 0x00073488,
		FingerprintS1200: 0x00071e5c,
	},
	PatchCommon1: {
		FingerprintS1600: 0x0007f4e8,
		FingerprintS1500: 0x0007ea68,
		FingerprintS1400: 0x0007e3a8,
		FingerprintS1300: 0x0007aae0,
		FingerprintS1200: 0x00078eac,
	},
	PatchCommon2: {
		FingerprintS1600: 0x0007f4ec,
		FingerprintS1500: 0x0007ea6c,
		FingerprintS1400: 0x0007e3ac,
		FingerprintS1300: 0x0007aae4,
		FingerprintS1200: 0x00078eb0,
	},
	PatchTrackType: {
		FingerprintS1600: 0x000852b0,
		FingerprintS1500: 0x00084820,
		FingerprintS1400: 0x00084160,
		FingerprintS1300: 0x00080798,
		FingerprintS1200: 0x0007ea9c,
	},
	PatchSafety: {
		// anti-brick patch; S1.4 and above only
		FingerprintS1600: 0x000000c4,
		FingerprintS1500: 0x000000c4,
		FingerprintS1400: 0x000000c4,
	},
}

// patchPayloadTab maps each patch id to its 4-byte overwrite payload,
// common across every supported fingerprint.
var patchPayloadTab = map[PatchID][]byte{
	PatchZero:      {0x00, 0x00, 0xa0, 0xe1},
	PatchPrep:      {0x0d, 0x31, 0x01, 0x60},
	PatchCommon1:   {0x14, 0x80, 0x80, 0x03},
	PatchCommon2:   {0x14, 0x90, 0x80, 0x03},
	PatchTrackType: {0x06, 0x02, 0x00, 0x04},
	PatchSafety:    {0xdc, 0xff, 0xff, 0xea},
}

// spUploadPatchOrder is the fixed install order for the SP-upload patch
// set; PatchSafety is appended conditionally for S1.4+ devices.
var spUploadPatchOrder = []PatchID{
	PatchDevType, PatchPrep, PatchCommon1, PatchCommon2, PatchTrackType, PatchZeroA, PatchZeroB,
}

// addressFor resolves a patch id's address for the given fingerprint, or
// reports ErrNoSupport if the table has no entry.
func addressFor(id PatchID, fp Fingerprint) (uint32, error) {
	addrs, ok := patchAddrTab[id]
	if !ok {
		return 0, fmt.Errorf("%w: no address table for patch id %d", ErrNoSupport, id)
	}
	addr, ok := addrs[fp]
	if !ok {
		return 0, fmt.Errorf("%w: patch id %d has no address for fingerprint %s", ErrNoSupport, id, fp)
	}
	return addr, nil
}

// payloadFor resolves a patch id's overwrite payload. PatchZeroA/PatchZeroB
// share PatchZero's payload (two install sites, one instruction).
func payloadFor(id PatchID) ([]byte, error) {
	lookup := id
	if id == PatchZeroA || id == PatchZeroB {
		lookup = PatchZero
	}
	payload, ok := patchPayloadTab[lookup]
	if !ok {
		return nil, fmt.Errorf("%w: no payload for patch id %d", ErrNoSupport, id)
	}
	return payload, nil
}

// AddressForPatch resolves id's firmware address for fp, for callers
// (diagnostic tools) that need to inspect or apply a single patch
// outside ApplySPUpload's fixed sequence.
func AddressForPatch(id PatchID, fp Fingerprint) (uint32, error) { return addressFor(id, fp) }

// PayloadForPatch resolves id's overwrite payload.
func PayloadForPatch(id PatchID) ([]byte, error) { return payloadFor(id) }

// patchSlot records one occupied slot in the 8-element patch registry:
// which patch id sits there, its address, and the original bytes saved so
// unpatch can restore them.
type patchSlot struct {
	used     bool
	id       PatchID
	addr     uint32
	original []byte
}

// PatchEngine drives the fingerprint probe, factory-mode entry, and the
// 8-slot patch registry for one open device. All methods serialize
// through the owning Transport's exclusion.
type PatchEngine struct {
	t  *Transport
	fp Fingerprint

	factoryMode bool
	slots       [8]patchSlot
}

// NewPatchEngine constructs a patch engine bound to an already-open
// transport. The fingerprint is not probed until Probe is called.
func NewPatchEngine(t *Transport) *PatchEngine {
	return &PatchEngine{t: t}
}

// discSubunitIdentifier is the descriptor enableFactory opens for read
// before issuing the factory-mode entry commands.
var discSubunitIdentifier = []byte{0x00}

// factoryEntryP1 and factoryEntryP2 are the two hard-coded commands that
// put the device into factory mode: one standard, one factory.
var (
	factoryEntryP1 = []byte{0x00, 0x18, 0x09, 0x00, 0xff, 0x00, 0x00, 0x00, 0x00, 0x00}
	factoryEntryP2 = []byte{
		0x00, 0x18, 0x01, 0xff, 0x0e, 0x4e, 0x65, 0x74,
		0x20, 0x4d, 0x44, 0x20, 0x57, 0x61, 0x6c, 0x6b,
		0x6d, 0x61, 0x6e,
	}
)

// enterFactoryMode opens the disc-subunit-identifier descriptor for read
// and issues the two factory-entry commands. Idempotent via the
// factoryMode marker.
func (p *PatchEngine) enterFactoryMode(ctx context.Context) error {
	if p.factoryMode {
		return nil
	}
	if err := p.t.ChangeDescriptor(ctx, discSubunitIdentifier, DescriptorOpenRead); err != nil {
		return err
	}
	if _, err := p.t.Exchange(ctx, factoryEntryP1, statusAccepted, false, 0); err != nil {
		return err
	}
	if _, err := p.t.Exchange(ctx, factoryEntryP2, statusAccepted, true, 0); err != nil {
		return err
	}
	p.factoryMode = true
	return nil
}

// fingerprintProbeCmd is the factory request that returns the chip,
// hardware-id, and version bytes used to identify the firmware generation.
var fingerprintProbeCmd = []byte{0x00, 0x18, 0x12, 0xff}

// Probe enters factory mode (if not already) and issues the fingerprint
// probe, decoding the response into a Fingerprint. Unknown or non-Sony
// chip bytes yield FingerprintUnsupported, which is not itself an error:
// the caller uses HasPatchAddresses to decide whether patching is
// possible.
func (p *PatchEngine) Probe(ctx context.Context) (Fingerprint, error) {
	if err := p.enterFactoryMode(ctx); err != nil {
		return FingerprintUnknown, err
	}

	resp, err := p.t.Exchange(ctx, fingerprintProbeCmd, statusAccepted, true, 0)
	if err != nil {
		return FingerprintUnknown, err
	}
	if len(resp) < 4 {
		return FingerprintUnknown, fmt.Errorf("%w: fingerprint response too short", ErrNoSupport)
	}
	chip, _, version, subversion := resp[0], resp[1], resp[3], resp[2]

	var generation string
	switch chip {
	case 0x20:
		generation = "R"
	case 0x21:
		generation = "S"
	case 0x22, 0x24, 0x25:
		// Hn/Hr/Hx variants exist in the wild but have no entries in the
		// patch tables above; decoding further would not enable anything.
		p.fp = FingerprintUnsupported
		return p.fp, nil
	default:
		p.fp = FingerprintUnsupported
		return p.fp, nil
	}

	code := fmt.Sprintf("%s%d.%d%02x", generation, version>>4, version&0xf, subversion)
	p.fp = fingerprintFromCode(code)
	return p.fp, nil
}

func fingerprintFromCode(code string) Fingerprint {
	switch code {
	case "R1.000":
		return FingerprintR1000
	case "R1.100":
		return FingerprintR1100
	case "R1.200":
		return FingerprintR1200
	case "R1.300":
		return FingerprintR1300
	case "R1.400":
		return FingerprintR1400
	case "S1.000":
		return FingerprintS1000
	case "S1.100":
		return FingerprintS1100
	case "S1.200":
		return FingerprintS1200
	case "S1.300":
		return FingerprintS1300
	case "S1.400":
		return FingerprintS1400
	case "S1.500":
		return FingerprintS1500
	case "S1.600":
		return FingerprintS1600
	default:
		return FingerprintUnsupported
	}
}

// changeMemState opens, closes, or re-opens the factory-mode memory
// window at addr for size bytes.
func (p *PatchEngine) changeMemState(ctx context.Context, addr uint32, size byte, acc MemAccess) error {
	cmd, err := Format("00 1820 ff 00 %<d %b %b 00", addr, size, byte(acc))
	if err != nil {
		return err
	}
	_, err = p.t.Exchange(ctx, cmd, statusAccepted, true, 0)
	return err
}

// rawRead issues the factory-mode memory read and strips the trailing
// 2-byte checksum from the payload.
func (p *PatchEngine) rawRead(ctx context.Context, addr uint32, size byte) ([]byte, error) {
	cmd, err := Format("00 1821 ff 00 %<d %b", addr, size)
	if err != nil {
		return nil, err
	}
	resp, err := p.t.Exchange(ctx, cmd, statusAccepted, true, 0)
	if err != nil {
		return nil, err
	}
	captures, err := Scan(resp, "%? 1821 00 %? %?%?%?%? %? %?%? %*")
	if err != nil {
		return nil, err
	}
	data, ok := captures[len(captures)-1].([]byte)
	if !ok || len(data) < 2 {
		return nil, fmt.Errorf("%w: malformed memory read response", ErrOther)
	}
	return data[:len(data)-2], nil
}

// rawWrite issues the factory-mode memory write, appending the CRC-16
// checksum the device expects at the end of the payload.
func (p *PatchEngine) rawWrite(ctx context.Context, addr uint32, data []byte) error {
	cmd, err := Format("00 1822 ff 00 %<d %b 0000 %* %<w", addr, byte(len(data)), data, uint16(crc16CCITT(data)))
	if err != nil {
		return err
	}
	_, err = p.t.Exchange(ctx, cmd, statusAccepted, true, 0)
	return err
}

// CleanRead performs open-for-read, read, close, restoring the memory
// window to closed on every exit path.
func (p *PatchEngine) CleanRead(ctx context.Context, addr uint32, size byte) ([]byte, error) {
	if err := p.changeMemState(ctx, addr, size, MemRead); err != nil {
		return nil, err
	}
	defer p.changeMemState(ctx, addr, size, MemClose)

	return p.rawRead(ctx, addr, size)
}

// CleanWrite performs open-for-write, write, close, restoring the memory
// window to closed on every exit path.
func (p *PatchEngine) CleanWrite(ctx context.Context, addr uint32, data []byte) error {
	if err := p.changeMemState(ctx, addr, byte(len(data)), MemWrite); err != nil {
		return err
	}
	defer p.changeMemState(ctx, addr, byte(len(data)), MemClose)

	return p.rawWrite(ctx, addr, data)
}

// Patch writes payload at addr via the factory mechanism and records the
// patch id in the given slot, saving the original bytes so Unpatch can
// restore them later.
func (p *PatchEngine) Patch(ctx context.Context, id PatchID, addr uint32, payload []byte, slot int) error {
	if slot < 0 || slot >= len(p.slots) {
		return fmt.Errorf("%w: patch slot %d out of range", ErrInvalidParam, slot)
	}
	if p.slots[slot].used {
		return fmt.Errorf("%w: patch slot %d already occupied by id %d", ErrCmdFailed, slot, p.slots[slot].id)
	}

	original, err := p.CleanRead(ctx, addr, byte(len(payload)))
	if err != nil {
		return err
	}
	if err := p.CleanWrite(ctx, addr, payload); err != nil {
		return err
	}

	p.slots[slot] = patchSlot{used: true, id: id, addr: addr, original: original}
	return nil
}

// Unpatch locates the slot holding patchID, writes the saved original
// bytes back, and frees the slot. Returns ErrCmdFailed if no slot holds
// that id.
func (p *PatchEngine) Unpatch(ctx context.Context, patchID PatchID) error {
	for i := range p.slots {
		if p.slots[i].used && p.slots[i].id == patchID {
			err := p.CleanWrite(ctx, p.slots[i].addr, p.slots[i].original)
			p.slots[i] = patchSlot{}
			return err
		}
	}
	return fmt.Errorf("%w: patch id %d not resident in any slot", ErrCmdFailed, patchID)
}

// ApplySPUpload installs the SP-upload patch set in its fixed order,
// adding the anti-brick safety patch on S1.4 and above. It fails fast on
// the first apply error, leaving whatever was already applied in place
// for the caller to undo via UndoSPUpload.
func (p *PatchEngine) ApplySPUpload(ctx context.Context) error {
	if !p.fp.HasPatchAddresses() {
		return fmt.Errorf("%w: fingerprint %s has no SP-upload patch addresses", ErrNoSupport, p.fp)
	}

	order := append([]PatchID{}, spUploadPatchOrder...)
	if p.fp == FingerprintS1400 || p.fp == FingerprintS1500 || p.fp == FingerprintS1600 {
		order = append(order, PatchSafety)
	}

	for slot, id := range order {
		addr, err := addressFor(id, p.fp)
		if err != nil {
			return err
		}
		payload, err := payloadFor(id)
		if err != nil {
			return err
		}
		if err := p.Patch(ctx, id, addr, payload, slot); err != nil {
			return err
		}
	}
	return nil
}

// UndoSPUpload applies Unpatch to every slot in reverse order. Every slot
// is attempted even if an earlier one fails, and the first error
// encountered is returned after all attempts complete.
func (p *PatchEngine) UndoSPUpload(ctx context.Context) error {
	var firstErr error
	for i := len(p.slots) - 1; i >= 0; i-- {
		if !p.slots[i].used {
			continue
		}
		if err := p.Unpatch(ctx, p.slots[i].id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
