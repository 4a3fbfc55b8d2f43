package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ikaken/live-scratch/internal/journal"
)

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o755

	// pidKeyLen is how many hex digits of the workspace digest name the
	// PID file.
	pidKeyLen = 16
)

// serverPIDPath returns the PID file of the server for workspace. Each
// workspace gets its own file, so two servers never watch the same folder
// while different workspaces can be served side by side.
func serverPIDPath(dataDir, workspace string) string {
	if dataDir == "" {
		return ""
	}

	key := journal.Digest([]byte(filepath.Clean(workspace)))[:pidKeyLen]

	return filepath.Join(dataDir, "serve-"+key+".pid")
}

// writePIDFile writes the current process ID to path and takes an exclusive
// flock on it. The returned cleanup removes the file and releases the lock.
// If the lock is held, another server owns the workspace.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty, cannot determine data directory")
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(path), pidDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", mkdirErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	// Non-blocking: fails at once if another process holds the lock.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another server is already running for this workspace (could not lock %s)", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readPIDFile reads the PID stored at path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// signalServer sends SIGHUP to the server recorded in the PID file, which
// makes it repack the workspace and push it to connected editors. A PID
// file left behind by a dead process is removed.
func signalServer(pidPath string) (int, error) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("no running server found (no PID file at %s)", pidPath)
		}

		return 0, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("finding process %d: %w", pid, err)
	}

	// Signal 0 checks liveness without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)

		return 0, fmt.Errorf("server (PID %d) is not running (stale PID file removed)", pid)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, fmt.Errorf("sending SIGHUP to server (PID %d): %w", pid, err)
	}

	return pid, nil
}
