package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/arch/x86/x86asm"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Kab1r/rustpush/internal/ids"
	"github.com/Kab1r/rustpush/internal/loader"
	glog "github.com/Kab1r/rustpush/internal/log"
	"github.com/Kab1r/rustpush/internal/nac"
	"github.com/Kab1r/rustpush/internal/stubs"
)

var (
	verbose    bool
	quiet      bool
	configPath string
	binaryPath string
	disasmN    int
)

// config is the optional YAML file; flags win over file values.
type config struct {
	Binary         string        `yaml:"binary"`
	CertURL        string        `yaml:"cert_url"`
	SessionInfoURL string        `yaml:"session_info_url"`
	Timeout        time.Duration `yaml:"timeout"`
	Debug          bool          `yaml:"debug"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "nacgen",
		Short: "Generate push-service validation data through emulation",
		Long: `Nacgen produces the validation data blob the identity service requires
to accept a device registration.

The blob can only be computed by a vendor binary that queries hardware
identifiers through IOKit, CoreFoundation and DiskArbitration. Nacgen
loads that binary's x86-64 slice into Unicorn, intercepts every library
import with an in-process hook answering from a fixture dataset, and
drives the init / key-establishment / sign routines to completion.

Examples:
  nacgen                        # generate and print the blob
  nacgen -v                     # with a per-hook-call trace
  nacgen -c nacgen.yaml         # settings from a config file
  nacgen info                   # inspect the cached vendor binary`,
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		RunE:                  runGenerate,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (blob only)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&binaryPath, "binary", "b", "", "vendor binary path (default: user cache)")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show vendor binary information",
		Args:  cobra.NoArgs,
		RunE:  showInfo,
	}
	infoCmd.Flags().IntVarP(&disasmN, "disasm", "n", 0, "disassemble N instructions at each entry routine")
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config, error) {
	cfg := &config{Timeout: 2 * time.Minute}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if binaryPath != "" {
		cfg.Binary = binaryPath
	}
	if cfg.Binary == "" {
		path, err := nac.DefaultBinaryPath()
		if err != nil {
			return nil, err
		}
		cfg.Binary = path
	}
	return cfg, nil
}

func relayFromConfig(cfg *config) *ids.Client {
	relay := ids.NewClient()
	if cfg.CertURL != "" {
		relay.CertURL = cfg.CertURL
	}
	if cfg.SessionInfoURL != "" {
		relay.SessionInfoURL = cfg.SessionInfoURL
	}
	relay.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return relay
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	glog.Init(verbose || cfg.Debug)

	g := &nac.Generator{
		Relay:      relayFromConfig(cfg),
		BinaryPath: cfg.Binary,
		Log:        glog.L,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	blob, err := g.Generate(ctx)
	if err != nil {
		return err
	}

	if quiet {
		fmt.Println(blob)
		return nil
	}
	fmt.Printf("validation data (%d chars, base64):\n%s\n", len(blob), blob)
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	glog.Init(verbose || cfg.Debug)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	binary, err := nac.EnsureBinary(ctx, cfg.Binary)
	if err != nil {
		return err
	}

	arches, err := loader.Arches(binary)
	if err != nil {
		return err
	}
	fmt.Printf("Binary: %s (%d bytes, %d arches)\n", cfg.Binary, len(binary), len(arches))
	for _, a := range arches {
		fmt.Printf("  cpu=%#x sub=%#x offset=%#x size=%#x\n", uint32(a.CPU), a.SubCPU, a.Offset, a.Size)
	}

	slice, err := loader.X8664Slice(binary)
	if err != nil {
		return err
	}
	imports, err := loader.Imports(slice)
	if err != nil {
		return err
	}

	hooked := 0
	fmt.Printf("\nImports: %d\n", len(imports))
	for _, im := range imports {
		mark := " "
		if _, ok := stubs.DefaultRegistry.Lookup(im.Symbol); ok {
			mark = "*"
			hooked++
		}
		if verbose {
			fmt.Printf("  %s slot=%#08x %s\n", mark, im.Slot, im.Symbol)
		}
	}
	fmt.Printf("Hooked: %d of %d (registry has %d)\n", hooked, len(imports), stubs.DefaultRegistry.Count())

	if disasmN > 0 {
		entries := []struct {
			name string
			off  uint64
		}{
			{"init", 0xb1db0},
			{"key establishment", 0xb27d0},
			{"sign", 0xb2a90},
		}
		for _, e := range entries {
			fmt.Printf("\n%s @ %#x:\n", e.name, e.off)
			printDisasm(slice, e.off, disasmN)
		}
	}
	return nil
}

func printDisasm(slice []byte, off uint64, n int) {
	pc := off
	for i := 0; i < n && pc < uint64(len(slice)); i++ {
		inst, err := x86asm.Decode(slice[pc:], 64)
		if err != nil {
			fmt.Printf("  %#08x  (bad)\n", pc)
			return
		}
		fmt.Printf("  %#08x  %s\n", pc, x86asm.GNUSyntax(inst, pc, nil))
		pc += uint64(inst.Len)
	}
}
