package netmd

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DiscFormat values, carried in the send-track header alongside the wire
// format; SP is split into mono/stereo because the two consume different
// ATRAC1 bitrates on disc.
const (
	DiscFormatLP4      byte = 0
	DiscFormatLP2      byte = 2
	DiscFormatSPMono   byte = 4
	DiscFormatSPStereo byte = 6
)

// riffFormatPCM and riffFormatAtrac3 are the fmt-chunk format tags this
// package recognizes; everything else is rejected as unsupported.
const (
	riffFormatPCM    uint16 = 1
	riffFormatAtrac3 uint16 = 0x0270
)

// atrac3BlockSizeLP2 and atrac3BlockSizeLP4 are the fmt chunk's
// nBlockAlign values that distinguish LP2 from LP4 ATRAC3 content; a WAV
// carrying ATRAC3 at neither size is rejected.
const (
	atrac3BlockSizeLP2 uint16 = 384
	atrac3BlockSizeLP4 uint16 = 192
)

// spHeaderSize is the fixed header every pre-encoded ATRAC1 (SP) source
// file carries ahead of its raw frame data; it is discarded entirely,
// never inspected.
const spHeaderSize = 2048

// spSectorSize and spPadSize describe prepareSPAudio's sector
// restructuring: input is grouped into 2,332-byte sectors, each followed
// by 100 zero bytes.
const (
	spSectorSize = 2332
	spPadSize    = 100
	spFrameSize  = 212
)

// IngestedAudio is one source file parsed into the form the facade's
// upload sequence consumes: wire/disc format, channel count, and the
// audio bytes ready for packetization (PCM already byte-swapped to
// big-endian, ATRAC3 passed through unchanged, ATRAC1/SP already
// sector-restructured).
type IngestedAudio struct {
	WireFormat     WireFormat
	DiscFormat     byte
	Mono           bool
	Data           []byte
	OverrideFrames int // non-zero only for SP ATRAC1
}

// IngestAudio detects a source file's format and prepares it for upload.
// It recognizes three shapes: pre-encoded ATRAC1 (a 2048-byte header
// whose second byte is 0x08), RIFF/WAVE PCM, and RIFF/WAVE-wrapped
// ATRAC3 (LP2/LP4). Anything else is rejected.
func IngestAudio(data []byte) (IngestedAudio, error) {
	if len(data) > 264 && data[1] == 0x08 && len(data) > spHeaderSize {
		mono := data[264] != 2
		return ingestSPAtrac1(data, mono)
	}

	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return IngestedAudio{}, fmt.Errorf("%w: not a WAV file and not a recognized pre-encoded ATRAC1 header", ErrInvalidParam)
	}
	return ingestWAV(data)
}

// ingestSPAtrac1 strips the fixed header and restructures the remaining
// raw ATRAC1 frames into the sectored layout the device expects.
func ingestSPAtrac1(data []byte, mono bool) (IngestedAudio, error) {
	raw := data[spHeaderSize:]
	restructured := prepareSPAudio(raw)

	df := DiscFormatSPStereo
	if mono {
		df = DiscFormatSPMono
	}
	return IngestedAudio{
		WireFormat:     WireFormatSP,
		DiscFormat:     df,
		Mono:           mono,
		Data:           restructured,
		OverrideFrames: len(raw) / spFrameSize,
	}, nil
}

// prepareSPAudio slices raw into 2,332-byte sectors, rewrites the last
// two bytes of every 212-byte frame from that frame's first two bytes
// (compensating for encoders that leave block-size-mode/BFU-count
// unset), and appends 100 zero bytes after every sector including the
// last, whatever its length.
func prepareSPAudio(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+(len(raw)/spSectorSize+1)*spPadSize)

	for pos := 0; pos < len(raw); pos += spSectorSize {
		end := pos + spSectorSize
		if end > len(raw) {
			end = len(raw)
		}
		sector := append([]byte{}, raw[pos:end]...)

		for j := 0; j+spFrameSize <= len(sector); j += spFrameSize {
			sector[j+spFrameSize-1] = sector[j+0]
			sector[j+spFrameSize-2] = sector[j+1]
		}

		out = append(out, sector...)
		out = append(out, make([]byte, spPadSize)...)
	}
	return out
}

// ingestWAV parses the RIFF container via go-audio/wav for format
// metadata (channel count, sample rate, bit depth, format tag), then
// locates the "data" subchunk directly in the raw bytes: PCM audio is
// decoded to validate 44.1kHz/16-bit and then byte-swapped to
// big-endian in place; ATRAC3 audio is passed through unchanged.
func ingestWAV(data []byte) (IngestedAudio, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return IngestedAudio{}, fmt.Errorf("%w: parsing WAV header: %v", ErrInvalidParam, err)
	}
	if dec.SampleRate != 44100 {
		return IngestedAudio{}, fmt.Errorf("%w: sample rate %d, want 44100", ErrInvalidParam, dec.SampleRate)
	}

	mono := dec.NumChans == 1

	switch dec.WavAudioFormat {
	case riffFormatPCM:
		if dec.BitDepth != 16 {
			return IngestedAudio{}, fmt.Errorf("%w: PCM bit depth %d, want 16", ErrInvalidParam, dec.BitDepth)
		}
		var buf *audio.IntBuffer
		var err error
		buf, err = dec.FullPCMBuffer()
		if err != nil {
			return IngestedAudio{}, fmt.Errorf("%w: decoding PCM samples: %v", ErrInvalidParam, err)
		}
		swapped := make([]byte, len(buf.Data)*2)
		for i, s := range buf.Data {
			binary.BigEndian.PutUint16(swapped[i*2:], uint16(int16(s)))
		}
		df := DiscFormatSPStereo
		if mono {
			df = DiscFormatSPMono
		}
		return IngestedAudio{WireFormat: WireFormatPCM, DiscFormat: df, Mono: mono, Data: swapped}, nil

	case riffFormatAtrac3:
		audioData, err := findDataChunk(data)
		if err != nil {
			return IngestedAudio{}, err
		}
		blockAlign, err := fmtBlockAlign(data)
		if err != nil {
			return IngestedAudio{}, err
		}
		switch blockAlign {
		case atrac3BlockSizeLP2:
			return IngestedAudio{WireFormat: WireFormatLP2, DiscFormat: DiscFormatLP2, Mono: mono, Data: audioData}, nil
		case atrac3BlockSizeLP4:
			return IngestedAudio{WireFormat: WireFormatLP4, DiscFormat: DiscFormatLP4, Mono: mono, Data: audioData}, nil
		default:
			return IngestedAudio{}, fmt.Errorf("%w: unrecognized ATRAC3 block size %d", ErrInvalidParam, blockAlign)
		}

	default:
		return IngestedAudio{}, fmt.Errorf("%w: unsupported WAV format tag %#x", ErrInvalidParam, dec.WavAudioFormat)
	}
}

// fmtBlockAlign reads the fmt subchunk's nBlockAlign field (offset 32
// from the start of the file, matching the fixed 44-byte PCM-style WAV
// header layout used for ATRAC3-in-WAV sources).
func fmtBlockAlign(data []byte) (uint16, error) {
	if len(data) < 34 {
		return 0, fmt.Errorf("%w: WAV file too short for fmt chunk", ErrInvalidParam)
	}
	return binary.LittleEndian.Uint16(data[32:34]), nil
}

// findDataChunk walks the RIFF chunk list starting after the 12-byte
// RIFF/WAVE preamble and returns the "data" subchunk's payload bytes.
func findDataChunk(data []byte) ([]byte, error) {
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		start := pos + 8
		if id == "data" {
			end := start + size
			if end > len(data) {
				end = len(data)
			}
			return data[start:end], nil
		}
		pos = start + size
		if size%2 == 1 {
			pos++ // chunks are word-aligned
		}
	}
	return nil, fmt.Errorf("%w: no data chunk found in WAV file", ErrInvalidParam)
}
