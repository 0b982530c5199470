package main

import (
	"encoding/json"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

// newConfigShowCmd prints the effective configuration after defaults and
// file merging, so a user can see exactly what a run would use.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			if flagJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resolvedCfg)
			}
			return toml.NewEncoder(os.Stdout).Encode(resolvedCfg)
		},
	}
}
