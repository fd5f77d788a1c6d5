package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/vmguard/governor"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a script once under the policy",
		Long: `Run a Lua script or a WebAssembly module under time, memory and
call-depth limits.

Code can be provided via:
  - File argument: vmguard run script.lua
  - Inline flag: vmguard run -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | vmguard run

The machine is taken from --machine, then the file extension (.lua, .wasm),
then the script itself: a module starting with the WebAssembly signature runs
on the wasm machine, anything else on lua.

Exit status: 0 success, 1 runtime error, 2 syntax error, 3 timed out,
4 memory exceeded, 5 stack overflow.`,
		Args: cobra.MaximumNArgs(1),
		RunE: a.runRun,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().StringP("machine", "m", "", "Machine: lua, wasm (default: auto-detect)")
	cmd.Flags().Bool("json", false, "Print the outcome as JSON")
	addPolicyFlags(cmd)
	addSandboxFlags(cmd)
}

// readScript takes the script from -c, the file argument or piped stdin, in
// that order. It returns nil when none was given.
func readScript(cmd *cobra.Command, args []string) (script []byte, filename string, err error) {
	code, _ := cmd.Flags().GetString("code")

	switch {
	case code != "":
		return []byte(code), "", nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, "", err
		}
		return data, args[0], nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return nil, "", nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, "", err
	}
	return data, "", nil
}

func (a *app) runRun(cmd *cobra.Command, args []string) error {
	script, filename, err := readScript(cmd, args)
	if err != nil {
		return err
	}
	if len(script) == 0 {
		return cmd.Help()
	}

	machineFlag, _ := cmd.Flags().GetString("machine")
	name, err := detectMachine(machineFlag, filename, script)
	if err != nil {
		return err
	}

	policy, err := a.policyFromFlags(cmd)
	if err != nil {
		return err
	}
	ms, err := a.machineSetupFromFlags(cmd, name)
	if err != nil {
		return err
	}

	g, err := ms.newGovernor(a)
	if err != nil {
		return err
	}
	defer g.Close()

	chunkName := "stdin"
	switch {
	case filename != "":
		chunkName = filepath.Base(filename)
	case cmd.Flags().Changed("code"):
		chunkName = "code"
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := g.RunScript(ctx, script, chunkName, policy)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		return out.Err()
	}

	printOutcome(cmd.OutOrStdout(), cmd.ErrOrStderr(), out)
	return out.Err()
}

// printOutcome writes what the script printed and returned to stdout and the
// diagnostic of a failed run to stderr.
func printOutcome(stdout, stderr io.Writer, out governor.Outcome) {
	fmt.Fprint(stdout, out.Output)
	if out.Output != "" && !strings.HasSuffix(out.Output, "\n") {
		fmt.Fprintln(stdout)
	}
	for _, v := range out.Values {
		fmt.Fprintln(stdout, formatValue(v))
	}
	if !out.OK() {
		fmt.Fprint(stderr, out.Diagnostic())
	}
}

// formatValue renders a returned value: scalars as-is, tables as JSON.
func formatValue(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b)
		}
	case nil:
		return "nil"
	}
	return fmt.Sprint(v)
}
