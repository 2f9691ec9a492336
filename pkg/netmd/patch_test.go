package netmd

import (
	"context"
	"errors"
	"testing"
)

func TestAddressForKnownFingerprint(t *testing.T) {
	addr, err := addressFor(PatchTrackType, FingerprintS1600)
	if err != nil {
		t.Fatalf("addressFor: %v", err)
	}
	if addr != 0x000852b0 {
		t.Fatalf("addr = %#x, want 0x000852b0", addr)
	}
}

func TestAddressForUnsupportedFingerprint(t *testing.T) {
	if _, err := addressFor(PatchTrackType, FingerprintR1400); err == nil {
		t.Fatalf("expected error for R1400, which has no patch table entry")
	}
	if _, err := addressFor(PatchSafety, FingerprintS1300); err == nil {
		t.Fatalf("expected error: safety patch has no S1300 entry")
	}
}

func TestPayloadForSharedZeroVariants(t *testing.T) {
	a, err := payloadFor(PatchZeroA)
	if err != nil {
		t.Fatalf("payloadFor(PatchZeroA): %v", err)
	}
	b, err := payloadFor(PatchZeroB)
	if err != nil {
		t.Fatalf("payloadFor(PatchZeroB): %v", err)
	}
	want := []byte{0x00, 0x00, 0xa0, 0xe1}
	if string(a) != string(want) || string(b) != string(want) {
		t.Fatalf("PatchZeroA/B payloads = %x / %x, want both %x", a, b, want)
	}
}

func TestFingerprintFromCodeAllKnown(t *testing.T) {
	cases := map[string]Fingerprint{
		"R1.000": FingerprintR1000,
		"R1.400": FingerprintR1400,
		"S1.000": FingerprintS1000,
		"S1.600": FingerprintS1600,
		"Q9.999": FingerprintUnsupported,
	}
	for code, want := range cases {
		if got := fingerprintFromCode(code); got != want {
			t.Fatalf("fingerprintFromCode(%q) = %v, want %v", code, got, want)
		}
	}
}

// appendExchange appends the 4 canned Control() calls one full Exchange
// makes: drain (no stale data), send, poll length, read response. payload
// is the full response including its leading status byte.
func appendExchange(resps []cannedResp, payload []byte) []cannedResp {
	hdr := []byte{1, statusAccepted, byte(len(payload)), byte(len(payload) >> 8)}
	return append(resps,
		cannedResp{fill: []byte{0, 0, 0, 0}, n: 4},
		cannedResp{n: 3},
		cannedResp{fill: hdr, n: 4},
		cannedResp{fill: payload, n: len(payload)},
	)
}

func TestPatchApplyRecordsSlotAndWritesPayload(t *testing.T) {
	addr := uint32(0x1000)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	original := []byte{0x01, 0x02, 0x03, 0x04}
	crc := crc16CCITT(original)

	// rawRead's response: status, 1 skip byte, literal "18 21 00", 1 skip,
	// 4 skips, 1 skip, 2 skips, then the 4 data bytes and a 2-byte checksum.
	rawReadResp := []byte{statusAccepted, 0x00, 0x18, 0x21, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	rawReadResp = append(rawReadResp, original...)
	rawReadResp = append(rawReadResp, byte(crc>>8), byte(crc))

	var resps []cannedResp
	resps = appendExchange(resps, []byte{statusAccepted}) // changeMemState(open read)
	resps = appendExchange(resps, rawReadResp)             // rawRead
	resps = appendExchange(resps, []byte{statusAccepted}) // changeMemState(close)
	resps = appendExchange(resps, []byte{statusAccepted}) // changeMemState(open write)
	resps = appendExchange(resps, []byte{statusAccepted}) // rawWrite
	resps = appendExchange(resps, []byte{statusAccepted}) // changeMemState(close)

	fake := &fakeUSB{resps: resps}
	tr := &Transport{dev: fake}
	p := NewPatchEngine(tr)

	if err := p.Patch(context.Background(), PatchTrackType, addr, payload, 0); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if !p.slots[0].used || p.slots[0].id != PatchTrackType || p.slots[0].addr != addr {
		t.Fatalf("slot 0 not recorded correctly: %+v", p.slots[0])
	}
	if string(p.slots[0].original) != string(original) {
		t.Fatalf("slot 0 original = %x, want %x", p.slots[0].original, original)
	}
}

func TestPatchSlotOutOfRangeRejected(t *testing.T) {
	tr := &Transport{dev: &fakeUSB{}}
	p := NewPatchEngine(tr)
	if err := p.Patch(context.Background(), PatchTrackType, 0, nil, 99); err == nil {
		t.Fatalf("expected error for out-of-range slot")
	}
}

func TestUnpatchMissingIDFails(t *testing.T) {
	tr := &Transport{dev: &fakeUSB{}}
	p := NewPatchEngine(tr)
	err := p.Unpatch(context.Background(), PatchTrackType)
	if err == nil || !errors.Is(err, ErrCmdFailed) {
		t.Fatalf("expected ErrCmdFailed for unresident patch id, got %v", err)
	}
}

func TestApplySPUploadRejectsUnsupportedFingerprint(t *testing.T) {
	tr := &Transport{dev: &fakeUSB{}}
	p := NewPatchEngine(tr)
	p.fp = FingerprintR1400

	if err := p.ApplySPUpload(context.Background()); err == nil {
		t.Fatalf("expected error: R1400 has no patch addresses")
	}
}

func TestUndoSPUploadAttemptsEverySlotEvenOnError(t *testing.T) {
	tr := &Transport{dev: &fakeUSB{}}
	p := NewPatchEngine(tr)
	// Two resident slots; the underlying fake has no canned responses so
	// every CleanWrite call fails, but UndoSPUpload must still attempt
	// both and clear them.
	p.slots[0] = patchSlot{used: true, id: PatchDevType, addr: 1, original: []byte{0, 0, 0, 0}}
	p.slots[1] = patchSlot{used: true, id: PatchPrep, addr: 2, original: []byte{0, 0, 0, 0}}

	err := p.UndoSPUpload(context.Background())
	if err == nil {
		t.Fatalf("expected an error to surface from the failing fake transport")
	}
	if p.slots[0].used || p.slots[1].used {
		t.Fatalf("expected both slots cleared regardless of write failure")
	}
}
