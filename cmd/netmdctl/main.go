// Command netmdctl inspects and edits a connected NetMD recorder's disc
// header: list groups, rename the disc or a group, create and populate
// groups, remove a track's bookkeeping, and upload a new track.
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

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	configPathFlag := flag.String("config", "", "path to config.yaml (default: alongside the executable or cwd)")
	yes := flag.Bool("yes", false, "skip the confirmation prompt for destructive commands")
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
	case "info":
		cmdInfo(ctx, cfg)
	case "list":
		cmdList(ctx, cfg)
	case "title":
		cmdTitle(ctx, cfg, args[1:])
	case "group":
		cmdGroup(ctx, cfg, args[1:], *yes)
	case "delete":
		cmdDelete(ctx, cfg, args[1:], *yes)
	case "upload":
		cmdUpload(ctx, cfg, args[1:], *yes)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: netmdctl [-v] [-log-format text|json] [-config path] [-yes] <command> [args]

commands:
  info                                    device identity, capability flags, firmware fingerprint
  list                                    disc title and groups
  title <new title>                       rename the disc
  group add <title> <first> <last>        create a group spanning tracks first..last
  group rename <id> <new title>           rename an existing group
  group remove <id>                       delete a group (its tracks become ungrouped)
  delete <track>                          remove a track's bookkeeping entry and renumber groups
  upload <file> <title> [wireformat]      upload a WAV or raw ATRAC1 file as a new track`)
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

// keyMaterialFromConfig loads every configured key-override file into a
// netmd.KeyMaterial, leaving unconfigured fields at their zero value so
// the facade falls back to its compiled-in defaults.
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

func readHeader(ctx context.Context, t *netmd.Transport) (*netmd.DiscHeader, string, error) {
	raw, err := netmd.ReadDiscHeaderString(ctx, t)
	if err != nil {
		return nil, "", err
	}
	h, err := netmd.ParseDiscHeader(raw)
	if err != nil {
		return nil, "", err
	}
	return h, raw, nil
}

func writeHeader(ctx context.Context, t *netmd.Transport, h *netmd.DiscHeader, oldRaw string) error {
	return netmd.WriteDiscHeaderString(ctx, t, h.Serialize(), len(oldRaw))
}

func cmdInfo(ctx context.Context, cfg *config.Config) {
	t, err := openTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("open device failed: %v", err)
	}
	defer t.Close()

	fmt.Printf("Device: %s (vendor %04x, product %04x)\n", t.Info.Name, t.Info.VendorID, t.Info.ProductID)
	fmt.Printf("  patch capable:  %v\n", t.Info.PatchCapable)
	fmt.Printf("  needs acquire:  %v\n", t.Info.NeedsAcquire)
	fmt.Printf("  on-the-fly enc: %v\n", t.Info.OTFEncode)

	if !t.Info.PatchCapable {
		return
	}
	pe := netmd.NewPatchEngine(t)
	fp, err := pe.Probe(ctx)
	if err != nil {
		fmt.Printf("  fingerprint:    probe failed: %v\n", err)
		return
	}
	fmt.Printf("  fingerprint:    %s (SP-upload patchable: %v)\n", fp, fp.HasPatchAddresses())
}

func cmdList(ctx context.Context, cfg *config.Config) {
	t, err := openTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("open device failed: %v", err)
	}
	defer t.Close()

	h, _, err := readHeader(ctx, t)
	if err != nil {
		log.Fatalf("read disc header failed: %v", err)
	}

	fmt.Printf("Disc title: %s\n", h.DiscTitle())
	for _, g := range h.Groups() {
		if g.ID == 0 {
			continue
		}
		switch {
		case g.First < 0:
			fmt.Printf("  group %d: %q (empty)\n", g.ID, g.Title)
		case g.Last < 0 || g.Last == g.First:
			fmt.Printf("  group %d: %q (track %d)\n", g.ID, g.Title, g.First)
		default:
			fmt.Printf("  group %d: %q (tracks %d-%d)\n", g.ID, g.Title, g.First, g.Last)
		}
	}
}

func cmdTitle(ctx context.Context, cfg *config.Config, args []string) {
	if len(args) != 1 {
		log.Fatalf("usage: netmdctl title <new title>")
	}
	t, err := openTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("open device failed: %v", err)
	}
	defer t.Close()

	h, raw, err := readHeader(ctx, t)
	if err != nil {
		log.Fatalf("read disc header failed: %v", err)
	}
	if err := h.SetDiscTitle(args[0]); err != nil {
		log.Fatalf("set disc title failed: %v", err)
	}
	if err := writeHeader(ctx, t, h, raw); err != nil {
		log.Fatalf("write disc header failed: %v", err)
	}
	fmt.Println("Disc title updated.")
}

func cmdGroup(ctx context.Context, cfg *config.Config, args []string, skipConfirm bool) {
	if len(args) < 1 {
		log.Fatalf("usage: netmdctl group add|rename|remove ...")
	}
	t, err := openTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("open device failed: %v", err)
	}
	defer t.Close()

	h, raw, err := readHeader(ctx, t)
	if err != nil {
		log.Fatalf("read disc header failed: %v", err)
	}

	switch args[0] {
	case "add":
		if len(args) != 4 {
			log.Fatalf("usage: netmdctl group add <title> <first> <last>")
		}
		first, err := strconv.Atoi(args[2])
		if err != nil {
			log.Fatalf("invalid first track: %v", err)
		}
		last, err := strconv.Atoi(args[3])
		if err != nil {
			log.Fatalf("invalid last track: %v", err)
		}
		id, err := h.AddGroup(args[1])
		if err != nil {
			log.Fatalf("add group failed: %v", err)
		}
		for track := first; track <= last; track++ {
			if err := h.AddTrackToGroup(id, track); err != nil {
				log.Fatalf("add track %d to group failed: %v", track, err)
			}
		}
		fmt.Printf("Group %d created: %q (tracks %d-%d)\n", id, args[1], first, last)

	case "rename":
		if len(args) != 3 {
			log.Fatalf("usage: netmdctl group rename <id> <new title>")
		}
		id, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("invalid group id: %v", err)
		}
		if err := h.RenameGroup(id, args[2]); err != nil {
			log.Fatalf("rename group failed: %v", err)
		}
		fmt.Printf("Group %d renamed to %q\n", id, args[2])

	case "remove":
		if len(args) != 2 {
			log.Fatalf("usage: netmdctl group remove <id>")
		}
		id, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("invalid group id: %v", err)
		}
		if !skipConfirm && !confirm(fmt.Sprintf("Remove group %d? Its tracks become ungrouped.", id)) {
			fmt.Println("Aborted.")
			return
		}
		if err := h.RemoveGroup(id); err != nil {
			log.Fatalf("remove group failed: %v", err)
		}
		fmt.Printf("Group %d removed\n", id)

	default:
		log.Fatalf("usage: netmdctl group add|rename|remove ...")
	}

	if err := writeHeader(ctx, t, h, raw); err != nil {
		log.Fatalf("write disc header failed: %v", err)
	}
}

func cmdDelete(ctx context.Context, cfg *config.Config, args []string, skipConfirm bool) {
	if len(args) != 1 {
		log.Fatalf("usage: netmdctl delete <track>")
	}
	track, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatalf("invalid track number: %v", err)
	}

	if !skipConfirm && !confirm(fmt.Sprintf("Remove track %d's bookkeeping entry and renumber groups?", track)) {
		fmt.Println("Aborted.")
		return
	}

	t, err := openTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("open device failed: %v", err)
	}
	defer t.Close()

	h, raw, err := readHeader(ctx, t)
	if err != nil {
		log.Fatalf("read disc header failed: %v", err)
	}
	if err := h.RemoveTrack(track); err != nil {
		log.Fatalf("remove track failed: %v", err)
	}
	if err := writeHeader(ctx, t, h, raw); err != nil {
		log.Fatalf("write disc header failed: %v", err)
	}
	fmt.Printf("Track %d removed from the disc header.\n", track)
}

func cmdUpload(ctx context.Context, cfg *config.Config, args []string, skipConfirm bool) {
	if len(args) < 2 || len(args) > 3 {
		log.Fatalf("usage: netmdctl upload <file> <title> [pcm|lp2|sp|lp4]")
	}
	path, title := args[0], args[1]
	wireFormat := cfg.Upload.DefaultWireFormat
	if len(args) == 3 {
		wireFormat = args[2]
	}

	if !skipConfirm && !confirm(fmt.Sprintf("Upload %q as %q?", path, title)) {
		fmt.Println("Aborted.")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s failed: %v", path, err)
	}
	audio, err := netmd.IngestAudio(data)
	if err != nil {
		log.Fatalf("ingest audio failed: %v", err)
	}
	if wireFormat != "" {
		if wf, ok := parseWireFormat(wireFormat); ok {
			audio.WireFormat = wf
		}
	}

	km, err := keyMaterialFromConfig(cfg)
	if err != nil {
		log.Fatalf("load key overrides failed: %v", err)
	}

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

	h, raw, err := readHeader(ctx, t)
	if err != nil {
		log.Fatalf("read disc header failed: %v", err)
	}
	id, err := h.AddGroup(title)
	if err != nil {
		log.Fatalf("add group for uploaded track failed: %v", err)
	}
	if err := h.AddTrackToGroup(id, int(result.Track)); err != nil {
		log.Fatalf("add uploaded track to group failed: %v", err)
	}
	if err := writeHeader(ctx, t, h, raw); err != nil {
		log.Fatalf("write disc header failed: %v", err)
	}
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
