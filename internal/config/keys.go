package config

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadKeyHexFile reads one hex-encoded key from path: the first
// non-blank line, decoded as raw bytes. Unlike a fixed-width key file,
// NetMD's override files carry keys of several different lengths (root
// key, KEK, content ID, EKB chain, EKB signature), so the length itself
// is not validated here; callers compare it against what the field
// expects.
func LoadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key in %s: %w", path, err)
		}
		return key, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s: no key line found", path)
}
