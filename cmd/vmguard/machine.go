package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/vmguard/governor"
	"github.com/caffeineduck/vmguard/hostfunc"
	"github.com/caffeineduck/vmguard/machine/lua"
	"github.com/caffeineduck/vmguard/machine/wasm"
	"github.com/caffeineduck/vmguard/sandbox"
	"github.com/caffeineduck/vmguard/vm"
)

var kvFunctions = []string{"kv_get", "kv_set", "kv_delete", "kv_keys"}

// machineSetup is everything needed to build machines and governors of one
// kind with the same settings.
type machineSetup struct {
	name        string
	registry    *hostfunc.Registry
	allow       sandbox.AllowList // nil: machine default
	capability  []string          // registry functions to allow on top
	precedence  []governor.Kind
	noCache     bool
	cacheDir    string
	entry       string
	memoryPages uint32
}

// detectMachine picks the machine from the flag, then the file extension,
// then the script's signature. Lua is the fallback since it accepts source.
func detectMachine(flag, filename string, script []byte) (string, error) {
	name := strings.ToLower(flag)

	if name == "" && filename != "" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".lua":
			name = "lua"
		case ".wasm":
			name = "wasm"
		}
	}
	if name == "" {
		if bytes.HasPrefix(script, wasm.Signature) {
			name = "wasm"
		} else {
			name = "lua"
		}
	}

	switch name {
	case "lua":
		return "lua", nil
	case "wasm", "webassembly":
		return "wasm", nil
	}
	return "", fmt.Errorf("unknown machine %q: use lua or wasm", name)
}

func (s machineSetup) newMachine() (vm.Machine, error) {
	switch s.name {
	case "lua":
		return lua.New(lua.WithRegistry(s.registry)), nil
	case "wasm":
		opts := []wasm.Option{wasm.WithRegistry(s.registry), wasm.WithEntry(s.entry)}
		if !s.noCache {
			opts = append(opts, wasm.WithDiskCache(s.cacheDir))
		}
		if s.memoryPages > 0 {
			opts = append(opts, wasm.WithMemoryLimitPages(s.memoryPages))
		}
		return wasm.New(opts...)
	}
	return nil, fmt.Errorf("unknown machine %q", s.name)
}

// allowList resolves the allow-list for machine m: the configured list or
// m's default, plus the capability functions in the form m exposes them.
func (s machineSetup) allowList(m vm.Machine) sandbox.AllowList {
	allow := s.allow
	if allow == nil {
		allow = m.DefaultAllowList()
	}
	if len(s.capability) == 0 {
		return allow
	}

	extra := make(sandbox.AllowList)
	switch s.name {
	case "wasm":
		extra["host_call"] = append([]string(nil), s.capability...)
	default:
		for _, name := range s.capability {
			extra[name] = nil
		}
	}
	return allow.Merge(extra)
}

func (s machineSetup) governorOptions(m vm.Machine, a *app) []governor.Option {
	opts := []governor.Option{
		governor.WithLogger(a.logger),
		governor.WithAllowList(s.allowList(m)),
	}
	if len(s.precedence) > 0 {
		opts = append(opts, governor.WithPrecedence(s.precedence...))
	}
	return opts
}

func (s machineSetup) newGovernor(a *app) (*governor.Governor, error) {
	m, err := s.newMachine()
	if err != nil {
		return nil, err
	}
	g, err := governor.New(m, s.governorOptions(m, a)...)
	if err != nil {
		m.Close()
		return nil, err
	}
	return g, nil
}

// addSandboxFlags registers the flags that shape machines and sandboxes.
func addSandboxFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("allow", nil, "Allow a global: name or name.member (repeatable, replaces the default)")
	cmd.Flags().Bool("kv", false, "Enable the key-value store capability")
	cmd.Flags().String("entry", wasm.DefaultEntry, "Exported function to call (wasm)")
	cmd.Flags().String("wasm-memory", "", "Hard ceiling per linear memory: 1mb, 16mb, 64mb, 256mb (wasm)")
	cmd.Flags().StringSlice("precedence", nil, "Order limit kinds are reported in when several trip")
}

// machineSetupFromFlags combines the config with the sandbox flags.
func (a *app) machineSetupFromFlags(cmd *cobra.Command, name string) (machineSetup, error) {
	ms := machineSetup{
		name:     name,
		registry: hostfunc.NewRegistry(),
		noCache:  a.cfg.Wasm.NoCache,
		cacheDir: a.cfg.Wasm.CacheDir,
	}

	allow, err := a.cfg.Sandbox.AllowList()
	if err != nil {
		return ms, err
	}
	if entries, _ := cmd.Flags().GetStringSlice("allow"); len(entries) > 0 {
		if allow, err = sandbox.ParseAllowList(entries); err != nil {
			return ms, err
		}
	}
	ms.allow = allow

	kv := a.cfg.Sandbox.KV
	if cmd.Flags().Changed("kv") {
		kv, _ = cmd.Flags().GetBool("kv")
	}
	if kv {
		ms.registry.RegisterKV(hostfunc.NewKV(hostfunc.DefaultKVConfig()))
		ms.capability = append(ms.capability, kvFunctions...)
	}

	ms.entry, _ = cmd.Flags().GetString("entry")

	ceiling, _ := cmd.Flags().GetString("wasm-memory")
	if ms.memoryPages, err = parseMemoryLimit(ceiling); err != nil {
		return ms, err
	}

	kinds, _ := cmd.Flags().GetStringSlice("precedence")
	for _, s := range kinds {
		k, err := governor.ParseKind(s)
		if err != nil {
			return ms, err
		}
		ms.precedence = append(ms.precedence, k)
	}
	return ms, nil
}

// addPolicyFlags registers the limit flags. Unset flags keep the configured
// value.
func addPolicyFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", governor.DefaultMaxDuration, "Wall-clock limit per run (0 disables)")
	cmd.Flags().String("memory", "100mb", "Memory limit per run: 4096, 64kb, 16mb, 1gb (0 disables)")
	cmd.Flags().Int("depth", governor.DefaultMaxCallDepth, "Call depth limit (0 disables)")
	cmd.Flags().Int("sample-interval", governor.DefaultSampleInterval, "Units of work between limit checks")
}

func (a *app) policyFromFlags(cmd *cobra.Command) (governor.Policy, error) {
	p := a.cfg.Policy.Policy()

	if cmd.Flags().Changed("timeout") {
		p.MaxDuration, _ = cmd.Flags().GetDuration("timeout")
	}
	if cmd.Flags().Changed("memory") {
		s, _ := cmd.Flags().GetString("memory")
		n, err := parseBytes(s)
		if err != nil {
			return p, err
		}
		p.MaxMemoryBytes = n
	}
	if cmd.Flags().Changed("depth") {
		p.MaxCallDepth, _ = cmd.Flags().GetInt("depth")
	}
	if cmd.Flags().Changed("sample-interval") {
		p.SampleInterval, _ = cmd.Flags().GetInt("sample-interval")
	}
	return p, p.Validate()
}
