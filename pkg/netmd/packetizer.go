package netmd

import "fmt"

// WireFormat identifies an upload's on-wire audio encoding, which
// determines its frame size for padding and frame-count accounting.
type WireFormat byte

const (
	WireFormatPCM  WireFormat = 0
	WireFormatLP2  WireFormat = 1
	WireFormatSP   WireFormat = 2 // SP-mode ATRAC1
	WireFormatLP4  WireFormat = 3
)

// frameSize returns the wire format's frame size in bytes; mono audio
// halves every format's stereo frame size.
func frameSize(wf WireFormat, mono bool) (int, error) {
	var sz int
	switch wf {
	case WireFormatPCM:
		sz = 2048
	case WireFormatLP2:
		sz = 192
	case WireFormatSP:
		sz = 152
	case WireFormatLP4:
		sz = 96
	default:
		return 0, fmt.Errorf("%w: unknown wire format %d", ErrInvalidParam, wf)
	}
	if mono {
		sz /= 2
	}
	return sz, nil
}

// firstChunkSize is the soft cap for a packet's plaintext payload: 1 MiB,
// minus the 24-byte header (length + IV + wrapped key) on the first
// packet only.
const firstChunkSize = 1 << 20

// Packet is one node of the upload packet chain. Only the head packet
// carries an IV and wrapped key; every packet carries ciphertext.
type Packet struct {
	IV         []byte // 8 bytes, head packet only
	WrappedKey []byte // 8 bytes, head packet only
	Ciphertext []byte
}

// PacketChain is the result of packetizing one upload: the chain of
// packets plus the frame count to declare in the send-track command.
type PacketChain struct {
	Packets    []Packet
	TotalBytes int // ciphertext length, declared in the first packet's header
	Frames     int
}

// PreparePackets slices data into a chain of DES-CBC-encrypted packets
// under a freshly generated raw key (wrapped for transport under kek),
// chaining each packet's IV from the previous packet's last ciphertext
// block, and zero-pads the final packet up to the wire format's frame
// size so every packet's plaintext is a multiple of the DES block size.
func PreparePackets(data []byte, wf WireFormat, mono bool, kek []byte) (*PacketChain, error) {
	fsz, err := frameSize(wf, mono)
	if err != nil {
		return nil, err
	}

	rawKey, err := randomBytes(8)
	if err != nil {
		return nil, err
	}
	wrappedKey, err := wrapKey(kek, rawKey)
	if err != nil {
		return nil, err
	}

	padding := 0
	if rem := len(data) % fsz; rem != 0 {
		padding = fsz - rem
	}
	padded := make([]byte, len(data)+padding)
	copy(padded, data)

	var packets []Packet
	iv := make([]byte, 8)
	position := 0
	first := true
	for position < len(padded) {
		chunk := firstChunkSize
		if first {
			chunk -= 24
		}
		if remaining := len(padded) - position; remaining < chunk {
			chunk = remaining
		}

		plaintext := padded[position : position+chunk]
		ciphertext, err := desCBCEncrypt(rawKey, iv, plaintext)
		if err != nil {
			return nil, err
		}

		pkt := Packet{Ciphertext: ciphertext}
		if first {
			pkt.IV = append([]byte{}, iv...)
			pkt.WrappedKey = append([]byte{}, wrappedKey...)
		}
		packets = append(packets, pkt)

		iv = ciphertext[len(ciphertext)-8:]
		position += chunk
		first = false
	}

	return &PacketChain{
		Packets:    packets,
		TotalBytes: len(padded),
		Frames:     len(padded) / fsz,
	}, nil
}
