package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// configFilePermissions is the permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteDefault when the target file exists.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate lists every setting as a commented-out default so users
// can discover all options without reading docs.
const configTemplate = `# live-scratch configuration
# Uncomment and modify to override defaults.

# ── Workspace ──

# Directory kept in sync with the editor
# workspace_dir = "~/Documents/Live Scratch"

# Project copied into an empty workspace (default: built-in empty project)
# default_project_dir = ""

# Modes for files and directories written into the workspace
# file_permissions = "0644"
# dir_permissions = "0755"

# ── Archive ──

# Extra file name patterns kept out of archives (notes *.md are always excluded)
# exclude_files = []

# Largest .sb3 accepted by unpack, and largest single file it writes.
# Units: B, KB, MB, GB, KiB, MiB, GiB. "0" or "unlimited" = no limit.
# max_archive_size = "0"
# max_entry_size = "0"

# Quiet period before a burst of file changes is packed
# debounce = "300ms"

# How long the watcher ignores changes after the editor writes the workspace
# suppress_window = "1s"

# ── Server ──

# listen_addr = "127.0.0.1:3333"

# Scratch GUI build served at / (empty serves a status page)
# static_dir = ""

# Extra Origin hosts allowed to open the live-reload WebSocket
# allowed_origins = []

# Serve Prometheus metrics at /metrics
# metrics = true

# ── History ──

# Record every pack, unpack, open and export in a local journal
# history = true
# history_retention = "720h"

# ── Logging ──

# log_level = "info"
# log_file = ""
# log_format = "auto"
# log_retention_days = 30
`

// WriteDefault writes the commented default config to path. It never
// overwrites an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	return atomicWriteFile(path, []byte(configTemplate))
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path, so a crash never leaves a
// partial config file. Parent directories are created as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
