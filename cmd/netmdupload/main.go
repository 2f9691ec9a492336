// Command netmdupload uploads a single WAV or raw ATRAC1 file as a new
// track and, for a DAO (disc-at-once) source, optionally splits it into
// several tracks after the fact by editing the UTOC read back from the
// device.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kagero-labs/netmd/internal/config"
	"github.com/kagero-labs/netmd/pkg/netmd"
)

const configFileName = "config.yaml"

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	configPathFlag := flag.String("config", "", "path to config.yaml (default: alongside the executable or cwd)")
	wireFormatFlag := flag.String("format", "", "wire format override: pcm, lp2, sp, lp4")
	splitFlag := flag.String("split", "", "comma-separated track lengths in ms, e.g. 180000,210000,195000")
	flag.Parse()

	setupLogging(*verbose, *logFormat)

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: netmdupload [-format pcm|lp2|sp|lp4] [-split ms,ms,...] <file> <title>")
		os.Exit(2)
	}
	path, title := args[0], args[1]

	splits, err := parseSplits(*splitFlag)
	if err != nil {
		log.Fatalf("invalid -split: %v", err)
	}

	configPath := *configPathFlag
	if configPath == "" {
		configPath, err = defaultConfigPath()
		if err != nil {
			log.Fatalf("resolve config path failed: %v", err)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s failed: %v", path, err)
	}
	audio, err := netmd.IngestAudio(data)
	if err != nil {
		log.Fatalf("ingest audio failed: %v", err)
	}
	if *wireFormatFlag != "" {
		wf, ok := parseWireFormat(*wireFormatFlag)
		if !ok {
			log.Fatalf("unrecognized -format %q", *wireFormatFlag)
		}
		audio.WireFormat = wf
	}

	km, err := keyMaterialFromConfig(cfg)
	if err != nil {
		log.Fatalf("load key overrides failed: %v", err)
	}

	ctx := context.Background()
	t, err := openTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("open device failed: %v", err)
	}
	defer t.Close()

	d := &netmd.Device{Info: t.Info, Transport: t}
	result, err := d.Upload(ctx, netmd.UploadRequest{
		Title:          title,
		WireFormat:     audio.WireFormat,
		DiscFormat:     audio.DiscFormat,
		Mono:           audio.Mono,
		Data:           audio.Data,
		OverrideFrames: audio.OverrideFrames,
		ApplySPPatch:   audio.WireFormat == netmd.WireFormatSP && t.Info.PatchCapable,
		Keys:           km,
	})
	if err != nil {
		log.Fatalf("upload failed: %v", err)
	}
	fmt.Printf("Uploaded as track %d.\n", result.Track)

	if len(splits) == 0 {
		return
	}
	if !t.Info.PatchCapable {
		log.Fatalf("splitting requires a patch-capable device to reach the UTOC memory window")
	}
	if err := splitDAOTrack(ctx, t, splits, title); err != nil {
		log.Fatalf("TOC split failed: %v", err)
	}
	fmt.Printf("Split into %d tracks.\n", len(splits))
}

// splitDAOTrack reads back the UTOC the just-completed upload wrote,
// splits its single DAO fragment into len(lengths) tracks in order, and
// writes the edited sectors back. Track i's title is "<title> i".
func splitDAOTrack(ctx context.Context, t *netmd.Transport, lengths []uint32, title string) error {
	pe := netmd.NewPatchEngine(t)

	raw, err := netmd.ReadUTOCRaw(ctx, pe, netmd.UtocDefaultBaseAddr())
	if err != nil {
		return fmt.Errorf("read UTOC: %w", err)
	}

	var totalMs uint32
	for _, ms := range lengths {
		totalMs += ms
	}

	toc := netmd.NewTOC()
	if err := toc.Import(len(lengths), totalMs, raw); err != nil {
		return fmt.Errorf("import UTOC: %w", err)
	}

	now := time.Now()
	for i, ms := range lengths {
		no := i + 1
		trackTitle := fmt.Sprintf("%s %d", title, no)
		ts := netmd.NewTimestamp(now, 0)
		if err := toc.AddTrack(no, ms, trackTitle, ts); err != nil {
			return fmt.Errorf("add track %d: %w", no, err)
		}
	}

	if err := netmd.WriteUTOCRaw(ctx, pe, netmd.UtocDefaultBaseAddr(), toc.Buffer()); err != nil {
		return fmt.Errorf("write UTOC: %w", err)
	}
	return nil
}

func parseSplits(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	lengths := make([]uint32, 0, len(parts))
	for _, p := range parts {
		ms, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		lengths = append(lengths, uint32(ms))
	}
	return lengths, nil
}

func setupLogging(verbose bool, format string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
}

func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), configFileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, configFileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func openTransport(ctx context.Context, cfg *config.Config) (*netmd.Transport, error) {
	sel := netmd.DeviceSelector{}
	if cfg.Device.VendorID != "" {
		v, err := strconv.ParseUint(cfg.Device.VendorID, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("device.vendor_id: %w", err)
		}
		sel.VendorID = uint16(v)
	}
	if cfg.Device.ProductID != "" {
		v, err := strconv.ParseUint(cfg.Device.ProductID, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("device.product_id: %w", err)
		}
		sel.ProductID = uint16(v)
	}
	if cfg.Device.Index != nil {
		sel.Index = *cfg.Device.Index
	}
	return netmd.OpenSelect(ctx, sel)
}

func keyMaterialFromConfig(cfg *config.Config) (netmd.KeyMaterial, error) {
	var km netmd.KeyMaterial
	var err error
	if cfg.Keys.RootKeyFile != "" {
		if km.RootKey, err = config.LoadKeyHexFile(cfg.Keys.RootKeyFile); err != nil {
			return km, err
		}
	}
	if cfg.Keys.KEKFile != "" {
		if km.KEK, err = config.LoadKeyHexFile(cfg.Keys.KEKFile); err != nil {
			return km, err
		}
	}
	if cfg.Keys.ContentIDFile != "" {
		if km.ContentID, err = config.LoadKeyHexFile(cfg.Keys.ContentIDFile); err != nil {
			return km, err
		}
	}
	if cfg.Keys.EKBChainFile != "" {
		if km.EKBChain, err = config.LoadKeyHexFile(cfg.Keys.EKBChainFile); err != nil {
			return km, err
		}
	}
	if cfg.Keys.EKBSignatureFile != "" {
		if km.EKBSignature, err = config.LoadKeyHexFile(cfg.Keys.EKBSignatureFile); err != nil {
			return km, err
		}
	}
	return km, nil
}

func parseWireFormat(s string) (netmd.WireFormat, bool) {
	switch s {
	case "pcm":
		return netmd.WireFormatPCM, true
	case "lp2":
		return netmd.WireFormatLP2, true
	case "sp":
		return netmd.WireFormatSP, true
	case "lp4":
		return netmd.WireFormatLP4, true
	default:
		return 0, false
	}
}
