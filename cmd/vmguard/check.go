package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newCheckCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check file...",
		Short: "Compile scripts without running them",
		Long: `Load each file the way a run would (signature check, then compile)
and report the ones that fail. Nothing is executed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.runCheck,
	}
	cmd.Flags().StringP("machine", "m", "", "Machine: lua, wasm (default: auto-detect per file)")
	return cmd
}

func (a *app) runCheck(cmd *cobra.Command, args []string) error {
	machineFlag, _ := cmd.Flags().GetString("machine")

	failed := 0
	for _, path := range args {
		if err := a.checkFile(machineFlag, path); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", path)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}
	return nil
}

func (a *app) checkFile(machineFlag, path string) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(script) == 0 {
		return errors.New("empty file")
	}

	name, err := detectMachine(machineFlag, path, script)
	if err != nil {
		return err
	}
	ms := machineSetup{
		name:     name,
		noCache:  a.cfg.Wasm.NoCache,
		cacheDir: a.cfg.Wasm.CacheDir,
	}
	g, err := ms.newGovernor(a)
	if err != nil {
		return err
	}
	defer g.Close()

	return g.Validate(script, filepath.Base(path))
}
