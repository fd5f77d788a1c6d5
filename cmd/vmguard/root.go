package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/vmguard/governor"
	"github.com/caffeineduck/vmguard/internal/config"
	"github.com/caffeineduck/vmguard/internal/telemetry"
	"github.com/caffeineduck/vmguard/machine/wasm"
)

// app carries what every command needs once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "vmguard [file]",
		Short: "Resource-governed sandbox for Lua and WebAssembly scripts",
		Long: `vmguard - Run untrusted Lua and WebAssembly under hard limits.

Every run is bounded in wall-clock time, memory and call depth, and sees
only the globals its allow-list names. When a limit trips the run stops
and vmguard reports which one, with the metrics collected so far.

Settings come from defaults, then --config, then VMGUARD_ environment
variables (VMGUARD_POLICY__MAX_DURATION=2s), then flags.`,
		Args:              cobra.MaximumNArgs(1),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE:              a.runRun, // default to run behavior
	}

	root.PersistentFlags().String("config", "", "Config file (YAML)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "Log format: text, json")
	root.PersistentFlags().Bool("no-cache", false, "Disable the wasm compilation cache")

	addRunFlags(root)

	root.AddCommand(
		newRunCmd(a),
		newCheckCmd(a),
		newServeCmd(a),
		newReplCmd(a),
		newPolicyCmd(a),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure. Script failures have
// already been reported by the command, so only other errors are printed.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		var se *governor.ScriptError
		if !errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps a failed run to a distinct status per outcome kind.
func exitCode(err error) int {
	var se *governor.ScriptError
	if !errors.As(err, &se) {
		return 1
	}
	switch se.Kind {
	case governor.SyntaxError:
		return 2
	case governor.TimedOut:
		return 3
	case governor.MemoryExceeded:
		return 4
	case governor.StackOverflow:
		return 5
	}
	return 1
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format, _ = cmd.Flags().GetString("log-format")
	}
	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
		cfg.Wasm.NoCache = true
	}

	logger, err := telemetry.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

// parseBytes reads sizes like "4096", "64kb", "16mb" or "1gb". "0" means no
// limit.
func parseBytes(s string) (int64, error) {
	num := strings.ToLower(strings.TrimSpace(s))
	mult := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"kb", 1 << 10},
		{"mb", 1 << 20},
		{"gb", 1 << 30},
		{"b", 1},
	} {
		if strings.HasSuffix(num, unit.suffix) {
			num = strings.TrimSuffix(num, unit.suffix)
			mult = unit.mult
			break
		}
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q (expected e.g. 4096, 64kb, 16mb, 1gb)", s)
	}
	return n * mult, nil
}

// parseMemoryLimit maps a size to a wasm page ceiling. An empty string
// means the runtime default.
func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "1mb":
		return wasm.MemoryLimit1MB, nil
	case "16mb":
		return wasm.MemoryLimit16MB, nil
	case "64mb":
		return wasm.MemoryLimit64MB, nil
	case "256mb":
		return wasm.MemoryLimit256MB, nil
	}
	return 0, fmt.Errorf("invalid wasm memory ceiling %q (expected 1mb, 16mb, 64mb or 256mb)", s)
}
