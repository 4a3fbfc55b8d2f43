package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Make the running server push the workspace to the editor",
		Long: `Ask the server for this workspace to repack it and push the result to
every connected editor. Useful after changes the watcher cannot see, such
as edits on a network share.`,
		Args: cobra.NoArgs,
		RunE: runRefresh,
	}
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	pid, err := signalServer(serverPIDPath(cc.Cfg.DataDir, cc.Cfg.WorkspaceDir))
	if err != nil {
		return err
	}

	cc.Statusf("Refresh requested from server (PID %d)\n", pid)

	if cc.Flags.JSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(struct {
			PID int `json:"pid"`
		}{PID: pid})
	}

	return nil
}
