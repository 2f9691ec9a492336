package netmd

import "testing"

func TestCRC16Witness(t *testing.T) {
	data := []byte{0x00, 0x18, 0x22, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	extended := appendCRC16(append([]byte{}, data...))
	if !verifyCRC16(extended) {
		t.Fatalf("appended checksum does not verify: % X", extended)
	}
	if crc16CCITT(extended) != 0 {
		t.Fatalf("crc of data+checksum should be 0, got %04X", crc16CCITT(extended))
	}
}

func TestCRC16DetectsCorruption(t *testing.T) {
	data := appendCRC16([]byte{1, 2, 3, 4})
	data[0] ^= 0xFF
	if verifyCRC16(data) {
		t.Fatalf("corrupted buffer should not verify")
	}
}

func TestBCDRoundTrip(t *testing.T) {
	for v := 0; v < 100; v++ {
		if got := fromBCDByte(bcdByte(v)); got != v {
			t.Fatalf("bcd round trip for %d: got %d", v, got)
		}
	}
}

func TestBCDLiteralDigits(t *testing.T) {
	// Spec example: day 0x23 means day "23" -- i.e. the BCD byte's hex
	// digits print as the decimal value.
	if b := bcdByte(23); b != 0x23 {
		t.Fatalf("bcdByte(23) = %#x, want 0x23", b)
	}
}

func TestBigLittleEndianHelpers(t *testing.T) {
	buf := make([]byte, 4)
	putBE(buf, 0x01020304, 4)
	if getBE(buf) != 0x01020304 {
		t.Fatalf("big-endian round trip failed: % X", buf)
	}
	putLE(buf, 0x01020304, 4)
	if getLE(buf) != 0x01020304 {
		t.Fatalf("little-endian round trip failed: % X", buf)
	}
}
