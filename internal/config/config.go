package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk YAML shape every netmd command-line tool loads:
// which device to open, optional lab-override key material, the default
// upload wire format, and log verbosity/format.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Keys   KeysConfig   `yaml:"keys"`
	Upload UploadConfig `yaml:"upload"`
	Log    LogConfig    `yaml:"log"`
}

// DeviceConfig selects which USB device to open. All fields are
// optional; with none set, Open auto-detects the first known device on
// the bus. VendorID/ProductID are 4-digit hex strings (e.g. "054c").
type DeviceConfig struct {
	Index     *int   `yaml:"index,omitempty"`
	VendorID  string `yaml:"vendor_id,omitempty"`
	ProductID string `yaml:"product_id,omitempty"`
}

// KeysConfig points to files overriding the embedded secure-session
// constants, for testing against alternate or emulated firmware. Every
// field is optional; an unset field keeps the built-in default.
type KeysConfig struct {
	RootKeyFile      string `yaml:"root_key_file,omitempty"`
	EKBChainFile     string `yaml:"ekb_chain_file,omitempty"`
	EKBSignatureFile string `yaml:"ekb_signature_file,omitempty"`
	KEKFile          string `yaml:"kek_file,omitempty"`
	ContentIDFile    string `yaml:"content_id_file,omitempty"`
}

// UploadConfig carries upload-wide defaults.
type UploadConfig struct {
	DefaultWireFormat string `yaml:"default_wire_format,omitempty"`
}

// LogConfig holds slog settings. Load decodes and validates them, but the
// cmd/netmd* tools set up logging from their own -v and -log-format flags
// only and do not read these fields.
type LogConfig struct {
	Verbose bool   `yaml:"verbose,omitempty"`
	Format  string `yaml:"format,omitempty"` // "text" or "json"
}

// knownWireFormats is the set of strings UploadConfig.DefaultWireFormat is
// validated against.
var knownWireFormats = map[string]bool{"pcm": true, "lp2": true, "sp": true, "lp4": true}

// Load reads, strictly parses (unknown fields are an error), resolves
// relative key-file paths against the config file's directory, and
// validates one YAML config file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field that can be checked without opening a
// device: vendor/product hex syntax, wire-format name, key-override
// file readability, and log format name.
func (c *Config) Validate() error {
	if v := strings.TrimSpace(c.Device.VendorID); v != "" {
		if _, err := strconv.ParseUint(v, 16, 16); err != nil {
			return fmt.Errorf("config.device.vendor_id must be a 4-digit hex string: %w", err)
		}
	}
	if v := strings.TrimSpace(c.Device.ProductID); v != "" {
		if _, err := strconv.ParseUint(v, 16, 16); err != nil {
			return fmt.Errorf("config.device.product_id must be a 4-digit hex string: %w", err)
		}
	}
	if c.Device.Index != nil && *c.Device.Index < 0 {
		return fmt.Errorf("config.device.index must be >= 0")
	}

	if wf := strings.TrimSpace(c.Upload.DefaultWireFormat); wf != "" && !knownWireFormats[strings.ToLower(wf)] {
		return fmt.Errorf("config.upload.default_wire_format %q must be one of pcm, lp2, sp, lp4", wf)
	}

	if f := strings.TrimSpace(c.Log.Format); f != "" && f != "text" && f != "json" {
		return fmt.Errorf("config.log.format %q must be text or json", f)
	}

	type keyFile struct {
		field string
		path  string
	}
	keyFiles := []keyFile{
		{"config.keys.root_key_file", c.Keys.RootKeyFile},
		{"config.keys.ekb_chain_file", c.Keys.EKBChainFile},
		{"config.keys.ekb_signature_file", c.Keys.EKBSignatureFile},
		{"config.keys.kek_file", c.Keys.KEKFile},
		{"config.keys.content_id_file", c.Keys.ContentIDFile},
	}
	for _, kf := range keyFiles {
		if strings.TrimSpace(kf.path) == "" {
			continue
		}
		if err := validateReadableFile(kf.path, kf.field); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Keys.RootKeyFile = resolvePath(configDir, c.Keys.RootKeyFile)
	c.Keys.EKBChainFile = resolvePath(configDir, c.Keys.EKBChainFile)
	c.Keys.EKBSignatureFile = resolvePath(configDir, c.Keys.EKBSignatureFile)
	c.Keys.KEKFile = resolvePath(configDir, c.Keys.KEKFile)
	c.Keys.ContentIDFile = resolvePath(configDir, c.Keys.ContentIDFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
