package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ikaken/live-scratch/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented config file with every default",
		Long: `Write a config file listing every setting at its default value, commented
out. The path comes from --config, then LIVE_SCRATCH_CONFIG, then the
platform default. An existing file is never overwritten.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigInit,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		return enc.Encode(cc.Cfg)
	}

	return config.RenderEffective(cc.Cfg, cmd.OutOrStdout())
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	path := configInitPath(cc.Flags.ConfigPath, config.ReadEnvOverrides())

	if err := config.WriteDefault(path); err != nil {
		if errors.Is(err, config.ErrConfigExists) {
			return fmt.Errorf("%w (edit it or remove it first)", err)
		}

		return err
	}

	cc.Statusf("Wrote %s\n", path)

	return nil
}

// configInitPath picks the file "config init" writes, with the same
// precedence config resolution uses.
func configInitPath(flagPath string, env config.EnvOverrides) string {
	if flagPath != "" {
		return flagPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return config.DefaultConfigPath()
}
