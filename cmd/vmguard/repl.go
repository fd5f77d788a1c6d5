package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/vmguard/governor"
)

func newReplCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive Lua REPL, every line governed",
		Long: `Start an interactive Lua REPL (Read-Eval-Print Loop) session.

Every line runs as its own governed script in a fresh sandbox, so globals do
not carry over. The key-value store is enabled unless --kv=false is given:
use kv_set{key=..., value=...} and kv_get{key=...} to keep state.

A line that is an expression prints its value.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
		Args: cobra.NoArgs,
		RunE: a.runRepl,
	}
	cmd.Flags().String("history", "", "History file path (default: ~/.vmguard_history)")
	addPolicyFlags(cmd)
	addSandboxFlags(cmd)
	return cmd
}

// replSession evaluates REPL lines on one governor.
type replSession struct {
	g      *governor.Governor
	policy governor.Policy
}

// eval runs line as an expression when it parses as one, else as a chunk.
func (s *replSession) eval(ctx context.Context, line string) governor.Outcome {
	expr := []byte("return " + line)
	if s.g.Validate(expr, "repl") == nil {
		return s.g.RunScript(ctx, expr, "repl", s.policy)
	}
	return s.g.RunScript(ctx, []byte(line), "repl", s.policy)
}

func (a *app) newReplSession(cmd *cobra.Command) (*replSession, error) {
	policy, err := a.policyFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("kv") {
		cmd.Flags().Set("kv", "true")
	}
	ms, err := a.machineSetupFromFlags(cmd, "lua")
	if err != nil {
		return nil, err
	}
	g, err := ms.newGovernor(a)
	if err != nil {
		return nil, err
	}
	return &replSession{g: g, policy: policy}, nil
}

func (a *app) runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".vmguard_history")
	}

	session, err := a.newReplSession(cmd)
	if err != nil {
		return err
	}
	defer session.g.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "vmguard lua REPL (type 'exit' to quit, Ctrl+D to exit)\n")

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(stdout)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		printOutcome(stdout, stderr, session.eval(context.Background(), line))
	}
}
