package netmd

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"fmt"
)

// retailMAC derives an 8-byte session key from a 16-byte root key and the
// host/device nonce exchange, matching the reference implementation's
// retailMAC: a single-DES ECB encryption of the host nonce under the root
// key's first 8 bytes produces an IV, which seeds a 3DES-CBC encryption of
// the device nonce under a 24-byte key built as rootKey[0:16] ||
// rootKey[0:8] (the two-key EDE variant, doubling the first subkey).
func retailMAC(rootKey, hostNonce, deviceNonce []byte) ([]byte, error) {
	if len(rootKey) != 16 {
		return nil, fmt.Errorf("%w: root key must be 16 bytes, got %d", ErrInvalidParam, len(rootKey))
	}
	if len(hostNonce) != 8 || len(deviceNonce) != 8 {
		return nil, fmt.Errorf("%w: nonces must be 8 bytes", ErrInvalidParam)
	}

	block, err := des.NewCipher(rootKey[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOther, err)
	}
	iv := make([]byte, 8)
	block.Encrypt(iv, hostNonce)

	des3Key := append(append(append([]byte{}, rootKey[:16]...)), rootKey[:8]...)
	tripleBlock, err := des.NewTripleDESCipher(des3Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOther, err)
	}
	sessionKey := make([]byte, 8)
	cipher.NewCBCEncrypter(tripleBlock, iv).CryptBlocks(sessionKey, deviceNonce)
	return sessionKey, nil
}

// desECBEncrypt encrypts data (a multiple of 8 bytes) in single-DES ECB
// mode; unwrapKey and the session's commit MAC use it.
func desECBEncrypt(key, data []byte) ([]byte, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOther, err)
	}
	out := make([]byte, len(data))
	for i := 0; i+8 <= len(data); i += 8 {
		block.Encrypt(out[i:i+8], data[i:i+8])
	}
	return out, nil
}

// desECBDecrypt is the inverse of desECBEncrypt; wrapKey uses it to wrap a
// key under the KEK.
func desECBDecrypt(key, data []byte) ([]byte, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOther, err)
	}
	out := make([]byte, len(data))
	for i := 0; i+8 <= len(data); i += 8 {
		block.Decrypt(out[i:i+8], data[i:i+8])
	}
	return out, nil
}

// desCBCEncrypt performs single-DES CBC encryption, the audio-payload
// cipher used by every upload packet in the chain.
func desCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOther, err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// desCBCDecrypt is the inverse of desCBCEncrypt.
func desCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOther, err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// randomBytes returns n cryptographically random bytes, used to generate
// the per-session data-encryption key (the device rejects key reuse
// within a session) and nonces.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOther, err)
	}
	return b, nil
}

// wrapKey wraps a raw 8-byte data-encryption key under the kek for
// transport in a packet header. Matches the reference packetizer, which
// wraps with the ECB *decrypt* direction (so the device unwraps with
// encrypt) rather than the more usual encrypt-to-wrap convention.
func wrapKey(kek, rawKey []byte) ([]byte, error) {
	return desECBDecrypt(kek, rawKey)
}

// unwrapKey is the device-side inverse of wrapKey.
func unwrapKey(kek, wrapped []byte) ([]byte, error) {
	return desECBEncrypt(kek, wrapped)
}
