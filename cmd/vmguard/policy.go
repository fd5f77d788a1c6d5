package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/vmguard/governor"
)

// effectivePolicy is what a run with the same flags would apply.
type effectivePolicy struct {
	Machine    string          `yaml:"machine"`
	Policy     governor.Policy `yaml:"policy"`
	Allow      []string        `yaml:"allow"`
	Precedence []string        `yaml:"precedence"`
}

func newPolicyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Print the effective policy and allow-list as YAML",
		Long: `Print the limits and allow-list a run would use after defaults, the
config file, VMGUARD_ environment variables and flags are applied.`,
		Args: cobra.NoArgs,
		RunE: a.runPolicy,
	}
	cmd.Flags().StringP("machine", "m", "lua", "Machine: lua, wasm")
	addPolicyFlags(cmd)
	addSandboxFlags(cmd)
	return cmd
}

func (a *app) runPolicy(cmd *cobra.Command, args []string) error {
	machineFlag, _ := cmd.Flags().GetString("machine")
	name, err := detectMachine(machineFlag, "", nil)
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
	ms.noCache = true

	m, err := ms.newMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	precedence := ms.precedence
	if len(precedence) == 0 {
		precedence = governor.DefaultPrecedence()
	}
	kinds := make([]string, len(precedence))
	for i, k := range precedence {
		kinds[i] = k.String()
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(effectivePolicy{
		Machine:    name,
		Policy:     policy,
		Allow:      ms.allowList(m).Entries(),
		Precedence: kinds,
	})
}
