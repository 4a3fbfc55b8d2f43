package sync

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
)

// ErrRevealUnsupported is returned on platforms without a known file
// manager launcher.
var ErrRevealUnsupported = errors.New("sync: no file manager launcher for this platform")

// fileManagerCommand returns the launcher for goos, or "" when unknown.
func fileManagerCommand(goos string) string {
	switch goos {
	case "darwin":
		return "open"
	case "windows":
		return "explorer"
	case "linux", "freebsd", "openbsd", "netbsd", "dragonfly":
		return "xdg-open"
	default:
		return ""
	}
}

// revealInFileManager starts the platform file manager on dir without
// waiting for it to exit.
func revealInFileManager(ctx context.Context, dir string) error {
	name := fileManagerCommand(runtime.GOOS)
	if name == "" {
		return fmt.Errorf("%w (%s)", ErrRevealUnsupported, runtime.GOOS)
	}

	// The launcher outlives the request, so it must not be tied to ctx.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), name, dir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}

	// Reap the child. explorer.exe exits non-zero even on success.
	go cmd.Wait() //nolint:errcheck // exit status of the launcher is meaningless

	return nil
}
