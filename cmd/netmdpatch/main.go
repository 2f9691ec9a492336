// Command netmdpatch drives the firmware patch engine directly: probing
// a device's fingerprint, applying or undoing the full SP-upload patch
// set, or applying a single named patch to a chosen slot. It exists for
// patch-table development and diagnostics, not routine use — normal
// uploads apply and undo the SP patch set automatically when
// UploadRequest.ApplySPPatch is set.
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

	"github.com/kagero-labs/netmd/internal/config"
	"github.com/kagero-labs/netmd/pkg/netmd"
)

const configFileName = "config.yaml"

var patchNames = map[string]netmd.PatchID{
	"devtype":   netmd.PatchDevType,
	"zeroa":     netmd.PatchZeroA,
	"zerob":     netmd.PatchZeroB,
	"prep":      netmd.PatchPrep,
	"common1":   netmd.PatchCommon1,
	"common2":   netmd.PatchCommon2,
	"tracktype": netmd.PatchTrackType,
	"safety":    netmd.PatchSafety,
}

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	configPathFlag := flag.String("config", "", "path to config.yaml (default: alongside the executable or cwd)")
	flag.Parse()

	setupLogging(*verbose, *logFormat)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	configPath := *configPathFlag
	if configPath == "" {
		var err error
		configPath, err = defaultConfigPath()
		if err != nil {
			log.Fatalf("resolve config path failed: %v", err)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
	switch args[0] {
	case "probe":
		cmdProbe(ctx, cfg)
	case "apply-sp":
		cmdApplySP(ctx, cfg)
	case "test-sp":
		cmdTestSP(ctx, cfg)
	case "patch":
		cmdPatch(ctx, cfg, args[1:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: netmdpatch [-v] [-log-format text|json] [-config path] <command> [args]

commands:
  probe                       probe and print the device's firmware fingerprint
  apply-sp                    install the full SP-upload patch set and leave it applied
  test-sp                     install the SP-upload patch set, then immediately undo it
  patch <name> <slot>         apply a single named patch (see below) to the given slot (0-7)

patch names: devtype, zeroa, zerob, prep, common1, common2, tracktype, safety`)
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

func openPatchEngine(ctx context.Context, cfg *config.Config) (*netmd.Transport, *netmd.PatchEngine, netmd.Fingerprint, error) {
	t, err := openTransport(ctx, cfg)
	if err != nil {
		return nil, nil, netmd.FingerprintUnknown, fmt.Errorf("open device failed: %w", err)
	}
	if !t.Info.PatchCapable {
		t.Close()
		return nil, nil, netmd.FingerprintUnknown, fmt.Errorf("%s is not a patch-capable device", t.Info.Name)
	}

	pe := netmd.NewPatchEngine(t)
	fp, err := pe.Probe(ctx)
	if err != nil {
		t.Close()
		return nil, nil, netmd.FingerprintUnknown, fmt.Errorf("fingerprint probe failed: %w", err)
	}
	return t, pe, fp, nil
}

func cmdProbe(ctx context.Context, cfg *config.Config) {
	t, _, fp, err := openPatchEngine(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer t.Close()
	fmt.Printf("Fingerprint: %s (SP-upload patchable: %v)\n", fp, fp.HasPatchAddresses())
}

func cmdApplySP(ctx context.Context, cfg *config.Config) {
	t, pe, fp, err := openPatchEngine(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer t.Close()

	if !fp.HasPatchAddresses() {
		log.Fatalf("fingerprint %s has no SP-upload patch addresses", fp)
	}
	if err := pe.ApplySPUpload(ctx); err != nil {
		log.Fatalf("apply SP-upload patch set failed: %v", err)
	}
	fmt.Println("SP-upload patch set applied. It stays resident until undone or the device is power-cycled.")
}

func cmdTestSP(ctx context.Context, cfg *config.Config) {
	t, pe, fp, err := openPatchEngine(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer t.Close()

	if !fp.HasPatchAddresses() {
		log.Fatalf("fingerprint %s has no SP-upload patch addresses", fp)
	}
	if err := pe.ApplySPUpload(ctx); err != nil {
		log.Fatalf("apply SP-upload patch set failed: %v", err)
	}
	fmt.Println("SP-upload patch set applied, reverting now.")
	if err := pe.UndoSPUpload(ctx); err != nil {
		log.Fatalf("undo SP-upload patch set failed: %v", err)
	}
	fmt.Println("SP-upload patch set reverted.")
}

func cmdPatch(ctx context.Context, cfg *config.Config, args []string) {
	if len(args) != 2 {
		log.Fatalf("usage: netmdpatch patch <name> <slot>")
	}
	id, ok := patchNames[args[0]]
	if !ok {
		log.Fatalf("unknown patch name %q", args[0])
	}
	slot, err := strconv.Atoi(args[1])
	if err != nil {
		log.Fatalf("invalid slot: %v", err)
	}

	t, pe, fp, err := openPatchEngine(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer t.Close()

	addr, err := netmd.AddressForPatch(id, fp)
	if err != nil {
		log.Fatalf("resolve address failed: %v", err)
	}
	payload, err := netmd.PayloadForPatch(id)
	if err != nil {
		log.Fatalf("resolve payload failed: %v", err)
	}

	if err := pe.Patch(ctx, id, addr, payload, slot); err != nil {
		log.Fatalf("patch failed: %v", err)
	}
	fmt.Printf("Patch %q applied at %#08x in slot %d.\n", args[0], addr, slot)
}
