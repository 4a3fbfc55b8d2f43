package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.Workspace != "" {
		cfg.WorkspaceDir = env.Workspace
	}

	if env.ListenAddr != "" {
		cfg.ListenAddr = env.ListenAddr
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.Workspace != nil {
		cfg.WorkspaceDir = *cli.Workspace
	}

	if cli.ListenAddr != nil {
		cfg.ListenAddr = *cli.ListenAddr
	}

	if cli.StaticDir != nil {
		cfg.StaticDir = *cli.StaticDir
	}

	resolved, err := buildResolved(cfg, cfgPath)
	if err != nil {
		return nil, err
	}

	// 5. Validate the final result
	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

// buildResolved converts the string-typed config into runtime values.
// Values coming from the file were validated by Load; overrides are
// re-checked here since they bypass it.
func buildResolved(cfg *Config, cfgPath string) (*Resolved, error) {
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	dataDir := DefaultDataDir()

	r := &Resolved{
		ConfigPath:        cfgPath,
		WorkspaceDir:      absPath(expandTilde(cfg.WorkspaceDir)),
		DefaultProjectDir: absPath(expandTilde(cfg.DefaultProjectDir)),
		FilePerm:          mustParsePerm(cfg.FilePermissions),
		DirPerm:           mustParsePerm(cfg.DirPermissions),
		ExcludeFiles:      cfg.ExcludeFiles,
		MaxArchiveSize:    mustParseSize(cfg.MaxArchiveSize),
		MaxEntrySize:      mustParseSize(cfg.MaxEntrySize),
		Debounce:          mustParseDuration(cfg.Debounce),
		SuppressWindow:    mustParseDuration(cfg.SuppressWindow),
		ListenAddr:        cfg.ListenAddr,
		StaticDir:         absPath(expandTilde(cfg.StaticDir)),
		AllowedOrigins:    cfg.AllowedOrigins,
		Metrics:           cfg.Metrics,
		History:           cfg.History,
		HistoryRetention:  mustParseDuration(cfg.HistoryRetention),
		DataDir:           dataDir,
		Logging:           cfg.LoggingConfig,
	}

	r.Logging.LogFile = expandTilde(r.Logging.LogFile)

	if dataDir != "" {
		r.HistoryPath = filepath.Join(dataDir, historyFileName)
	}

	return r, nil
}

// absPath makes a relative path absolute against the working directory.
// Empty stays empty.
func absPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}

	return abs
}

// The mustParse helpers run only on validated values.

func mustParsePerm(s string) os.FileMode {
	n, _ := strconv.ParseUint(s, octalBase, 32)
	return os.FileMode(n)
}

func mustParseSize(s string) int64 {
	n, _ := ParseSize(s)
	return n
}

func mustParseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
