package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ikaken/live-scratch/internal/sync"
)

// stdioArg names stdin or stdout in place of a file argument.
const stdioArg = "-"

// maxStdinArchive bounds how much "unpack -" reads from stdin.
const maxStdinArchive = 512 << 20

func newPackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack [output.sb3]",
		Short: "Pack the workspace into a project archive",
		Long: `Pack the workspace into an .sb3 archive. Without an output path, or with
"-", the archive is written to stdout; --base64 writes the transport
encoding the editor API uses instead of raw bytes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPack,
	}

	cmd.Flags().Bool("base64", false, "write the base64 transport form")

	return cmd
}

func newUnpackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpack <project.sb3|->",
		Short: "Write an archive's files into the workspace",
		Long: `Unpack an .sb3 archive into the workspace, overwriting files with the same
name. Files not in the archive are kept. Use "-" to read the archive from
stdin.

A running server picks up the change and pushes it to the editor.`,
		Args: cobra.ExactArgs(1),
		RunE: runUnpack,
	}
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <project.sb3>",
		Short: "Open a project file into the workspace",
		Long: `Open an .sb3 file into the workspace, as the editor's "Load from your
computer" does, and repack the result to check it.`,
		Args: cobra.ExactArgs(1),
		RunE: runOpen,
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <project.sb3>",
		Short: "Save the workspace as a project file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
}

// cliEngine builds an engine for a one-shot command and tags its journal
// entries with the cli trigger.
func cliEngine(cmd *cobra.Command) (context.Context, *engineDeps, error) {
	cc := mustCLIContext(cmd.Context())

	deps, err := newSyncEngine(cmd.Context(), cc.Cfg, nil, cc.Logger)
	if err != nil {
		return nil, nil, err
	}

	return sync.WithTrigger(cmd.Context(), sync.TriggerCLI), deps, nil
}

func runPack(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	asBase64, _ := cmd.Flags().GetBool("base64")

	ctx, deps, err := cliEngine(cmd)
	if err != nil {
		return err
	}
	defer deps.Close()

	if len(args) == 1 && args[0] != stdioArg {
		out, err := absArg(args[0])
		if err != nil {
			return err
		}

		if asBase64 {
			return errors.New("--base64 only applies when writing to stdout")
		}

		if err := deps.engine.ExportArchiveToFile(ctx, out); err != nil {
			return err
		}

		cc.Statusf("Packed %s into %s\n", cc.Cfg.WorkspaceDir, out)

		return nil
	}

	if !asBase64 && isTerminal(cmd.OutOrStdout()) {
		return errors.New("refusing to write a binary archive to a terminal; give an output path or --base64")
	}

	data, err := deps.engine.ProduceArchive(ctx)
	if err != nil {
		return err
	}

	return writePacked(cmd.OutOrStdout(), data, asBase64)
}

// writePacked writes an archive either raw or in its transport encoding.
func writePacked(w io.Writer, data []byte, asBase64 bool) error {
	if asBase64 {
		_, err := fmt.Fprintln(w, sync.EncodeArchive(data))
		return err
	}

	_, err := w.Write(data)

	return err
}

func runUnpack(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	data, err := readArchiveArg(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}

	ctx, deps, err := cliEngine(cmd)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := deps.engine.ApplyArchive(ctx, data); err != nil {
		return err
	}

	cc.Statusf("Unpacked into %s\n", cc.Cfg.WorkspaceDir)

	return nil
}

// readArchiveArg reads an archive from a file, or from stdin for "-".
// Stdin may carry either raw bytes or the base64 transport form.
func readArchiveArg(stdin io.Reader, arg string) ([]byte, error) {
	if arg != stdioArg {
		data, err := os.ReadFile(arg)
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}

		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(stdin, maxStdinArchive+1))
	if err != nil {
		return nil, fmt.Errorf("reading archive from stdin: %w", err)
	}

	if len(data) > maxStdinArchive {
		return nil, errors.New("archive on stdin is too large")
	}

	if !isZip(data) {
		return sync.DecodeArchive(string(data))
	}

	return data, nil
}

// isZip reports whether data starts with a zip local file header.
func isZip(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == "PK\x03\x04"
}

func runOpen(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	path, err := absArg(args[0])
	if err != nil {
		return err
	}

	ctx, deps, err := cliEngine(cmd)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := deps.engine.OpenArchiveFromFile(ctx, path); err != nil {
		return err
	}

	cc.Statusf("Opened %s into %s\n", path, cc.Cfg.WorkspaceDir)

	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	path, err := absArg(args[0])
	if err != nil {
		return err
	}

	ctx, deps, err := cliEngine(cmd)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := deps.engine.ExportArchiveToFile(ctx, path); err != nil {
		return err
	}

	cc.Statusf("Exported %s\n", path)

	return nil
}
