package netmd

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildPCMWav builds a minimal 44-byte-header PCM WAV file with the
// given interleaved little-endian 16-bit samples.
func buildPCMWav(numChans uint16, samples []int16) []byte {
	dataBytes := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dataBytes[i*2:], uint16(s))
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(dataBytes)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, numChans)
	binary.Write(&buf, binary.LittleEndian, uint32(44100))
	byteRate := uint32(44100) * uint32(numChans) * 2
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, uint16(numChans*2)) // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))         // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(dataBytes)))
	buf.Write(dataBytes)

	return buf.Bytes()
}

func TestIngestAudioPCMByteSwapsToBigEndian(t *testing.T) {
	samples := []int16{0x1234, -2, 0x0001, 0x7fff}
	wav := buildPCMWav(2, samples)

	ingested, err := IngestAudio(wav)
	if err != nil {
		t.Fatalf("IngestAudio: %v", err)
	}
	if ingested.WireFormat != WireFormatPCM {
		t.Fatalf("WireFormat = %v, want PCM", ingested.WireFormat)
	}
	if ingested.DiscFormat != DiscFormatSPStereo {
		t.Fatalf("DiscFormat = %v, want SPStereo", ingested.DiscFormat)
	}
	if ingested.Mono {
		t.Fatalf("Mono = true, want false for 2-channel input")
	}
	if len(ingested.Data) != len(samples)*2 {
		t.Fatalf("Data len = %d, want %d", len(ingested.Data), len(samples)*2)
	}
	for i, s := range samples {
		got := binary.BigEndian.Uint16(ingested.Data[i*2:])
		if int16(got) != s {
			t.Fatalf("sample %d = %#x, want %#x", i, got, uint16(s))
		}
	}
}

func TestIngestAudioPCMMonoDiscFormat(t *testing.T) {
	wav := buildPCMWav(1, []int16{1, 2, 3, 4})
	ingested, err := IngestAudio(wav)
	if err != nil {
		t.Fatalf("IngestAudio: %v", err)
	}
	if !ingested.Mono || ingested.DiscFormat != DiscFormatSPMono {
		t.Fatalf("mono ingestion got Mono=%v DiscFormat=%v", ingested.Mono, ingested.DiscFormat)
	}
}

func TestIngestAudioRejectsUnrecognizedFile(t *testing.T) {
	if _, err := IngestAudio([]byte("not audio at all")); err == nil {
		t.Fatalf("expected error for unrecognized input")
	}
}

func TestIngestAudioRejectsWrongSampleRate(t *testing.T) {
	wav := buildPCMWav(2, []int16{1, 2})
	// Sample rate field starts at byte 24 of this fixed layout.
	binary.LittleEndian.PutUint32(wav[24:], 48000)
	if _, err := IngestAudio(wav); err == nil {
		t.Fatalf("expected error for 48kHz sample rate")
	}
}

func TestPrepareSPAudioRewritesFrameTailsAndPads(t *testing.T) {
	// Two full 212-byte frames plus a short remainder, well under one
	// sector, so the sectoring loop runs exactly once.
	raw := make([]byte, 212*2+10)
	for i := range raw {
		raw[i] = byte(i)
	}

	out := prepareSPAudio(raw)

	if len(out) != len(raw)+spPadSize {
		t.Fatalf("out len = %d, want %d", len(out), len(raw)+spPadSize)
	}
	// First frame: last two bytes overwritten from the first two.
	if out[211] != raw[0] || out[210] != raw[1] {
		t.Fatalf("frame 0 tail = %02x %02x, want %02x %02x", out[210], out[211], raw[1], raw[0])
	}
	// Second frame.
	if out[423] != raw[212] || out[422] != raw[213] {
		t.Fatalf("frame 1 tail = %02x %02x, want %02x %02x", out[422], out[423], raw[213], raw[212])
	}
	// Trailing 100 zero bytes.
	for i := len(raw); i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("byte %d in sector padding = %#x, want 0", i, out[i])
		}
	}
}

func TestIngestAudioSPAtrac1StripsHeaderAndOverridesFrames(t *testing.T) {
	header := make([]byte, spHeaderSize)
	header[1] = 0x08
	header[264] = 2 // stereo marker

	raw := make([]byte, 212*3)
	for i := range raw {
		raw[i] = byte(i)
	}

	src := append(header, raw...)

	ingested, err := IngestAudio(src)
	if err != nil {
		t.Fatalf("IngestAudio: %v", err)
	}
	if ingested.WireFormat != WireFormatSP {
		t.Fatalf("WireFormat = %v, want SP", ingested.WireFormat)
	}
	if ingested.DiscFormat != DiscFormatSPStereo {
		t.Fatalf("DiscFormat = %v, want SPStereo", ingested.DiscFormat)
	}
	if ingested.OverrideFrames != 3 {
		t.Fatalf("OverrideFrames = %d, want 3", ingested.OverrideFrames)
	}
	wantLen := len(raw) + spPadSize // one sector, under 2332 bytes
	if len(ingested.Data) != wantLen {
		t.Fatalf("Data len = %d, want %d", len(ingested.Data), wantLen)
	}
}
