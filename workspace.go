package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Inspect and prepare the workspace folder",
	}

	cmd.AddCommand(newWorkspacePathCmd())
	cmd.AddCommand(newWorkspaceRevealCmd())
	cmd.AddCommand(newWorkspaceInitCmd())

	return cmd
}

func newWorkspacePathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the workspace directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			_, err := fmt.Fprintln(cmd.OutOrStdout(), cc.Cfg.WorkspaceDir)

			return err
		},
	}
}

func newWorkspaceRevealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reveal",
		Short: "Open the workspace in the system file manager",
		Args:  cobra.NoArgs,
		RunE:  runWorkspaceReveal,
	}
}

func newWorkspaceInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Seed an empty workspace with the default project",
		Long: `Create the workspace if needed and copy the default project into it when
it has no project.json. The editing notes file is refreshed either way.`,
		Args: cobra.NoArgs,
		RunE: runWorkspaceInit,
	}
}

func runWorkspaceReveal(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	deps, err := newSyncEngine(cmd.Context(), cc.Cfg, nil, cc.Logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	return deps.engine.OpenWorkspaceInFileManager(cmd.Context())
}

func runWorkspaceInit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	deps, err := newSyncEngine(cmd.Context(), cc.Cfg, nil, cc.Logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	copied, err := prepareWorkspace(deps.codec, cc.Cfg)
	if err != nil {
		return fmt.Errorf("preparing workspace: %w", err)
	}

	if copied == 0 {
		cc.Statusf("Workspace %s already has a project\n", cc.Cfg.WorkspaceDir)
		return nil
	}

	cc.Statusf("Copied %d files into %s\n", copied, cc.Cfg.WorkspaceDir)

	return nil
}
