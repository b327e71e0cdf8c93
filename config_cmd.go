package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crewplan/crewplan-sync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if flagJSON {
		masked := *resolvedCfg
		if masked.Supabase.AnonKey != "" {
			masked.Supabase.AnonKey = "(set)"
		}

		return printJSON(os.Stdout, &masked)
	}

	return config.RenderEffective(resolvedCfg, resolvedPath, os.Stdout)
}

// newConfigPathCmd prints where the config file is looked up. It skips
// config loading so it works while the file is broken.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := config.DefaultConfigPath()
			if env := config.ReadEnvOverrides().ConfigPath; env != "" {
				path = env
			}

			if flagConfigPath != "" {
				path = flagConfigPath
			}

			fmt.Fprintln(os.Stdout, path)

			return nil
		},
	}
}
