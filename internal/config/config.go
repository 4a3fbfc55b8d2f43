// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for live-scratch. Values resolve through
// a four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

import (
	"os"
	"time"

	"github.com/ikaken/live-scratch/internal/archive"
)

// Config is the top-level configuration structure parsed from a TOML file.
// All keys are flat; the embedded sections only group them in code.
type Config struct {
	WorkspaceConfig
	ArchiveConfig
	ServerConfig
	HistoryConfig
	LoggingConfig
}

// WorkspaceConfig locates the workspace and controls how files are written
// into it.
type WorkspaceConfig struct {
	WorkspaceDir      string `toml:"workspace_dir"`
	DefaultProjectDir string `toml:"default_project_dir"`
	FilePermissions   string `toml:"file_permissions"`
	DirPermissions    string `toml:"dir_permissions"`
}

// ArchiveConfig controls packing, unpacking and the watcher timings.
type ArchiveConfig struct {
	ExcludeFiles   []string `toml:"exclude_files"`
	MaxArchiveSize string   `toml:"max_archive_size"`
	MaxEntrySize   string   `toml:"max_entry_size"`
	Debounce       string   `toml:"debounce"`
	SuppressWindow string   `toml:"suppress_window"`
}

// ServerConfig controls the local HTTP and live-reload endpoint.
type ServerConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	StaticDir      string   `toml:"static_dir"`
	AllowedOrigins []string `toml:"allowed_origins"`
	Metrics        bool     `toml:"metrics"`
}

// HistoryConfig controls the operation journal.
type HistoryConfig struct {
	History          bool   `toml:"history"`
	HistoryRetention string `toml:"history_retention"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Workspace  *string // --workspace flag
	ListenAddr *string // --listen flag
	StaticDir  *string // --static-dir flag
}

// Resolved is the effective configuration after all four layers have been
// applied, with every string value parsed into its runtime type.
type Resolved struct {
	ConfigPath string

	WorkspaceDir      string
	DefaultProjectDir string
	FilePerm          os.FileMode
	DirPerm           os.FileMode

	ExcludeFiles   []string
	MaxArchiveSize int64
	MaxEntrySize   int64
	Debounce       time.Duration
	SuppressWindow time.Duration

	ListenAddr     string
	StaticDir      string
	AllowedOrigins []string
	Metrics        bool

	History          bool
	HistoryRetention time.Duration
	HistoryPath      string
	DataDir          string

	Logging LoggingConfig
}

// ArchiveOptions returns the codec options for the resolved configuration.
func (r *Resolved) ArchiveOptions() archive.Options {
	return archive.Options{
		Exclude:        r.ExcludeFiles,
		FilePerm:       r.FilePerm,
		DirPerm:        r.DirPerm,
		MaxArchiveSize: r.MaxArchiveSize,
		MaxEntrySize:   r.MaxEntrySize,
	}
}
