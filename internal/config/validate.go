package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"
)

// Validation range constants.
const (
	minLogRetention   = 1
	minDebounce       = 10 * time.Millisecond
	maxDebounce       = 10 * time.Second
	minSuppressWindow = 100 * time.Millisecond
	minRetention      = time.Hour
	octalBase         = 8
	minOctalDigits    = 3
	maxOctalDigits    = 4
	maxOctalValue     = 0o777
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateWorkspace(&cfg.WorkspaceConfig)...)
	errs = append(errs, validateArchive(&cfg.ArchiveConfig)...)
	errs = append(errs, validateServer(&cfg.ServerConfig)...)
	errs = append(errs, validateHistory(&cfg.HistoryConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the
// override chain has been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.WorkspaceDir == "" {
		errs = append(errs, errors.New("workspace_dir: must not be empty"))
	} else if !filepath.IsAbs(r.WorkspaceDir) {
		errs = append(errs, fmt.Errorf("workspace_dir: must be absolute after expansion, got %q", r.WorkspaceDir))
	}

	if r.StaticDir != "" && !filepath.IsAbs(r.StaticDir) {
		errs = append(errs, fmt.Errorf("static_dir: must be absolute after expansion, got %q", r.StaticDir))
	}

	if _, _, err := net.SplitHostPort(r.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr: %w", err))
	}

	return errors.Join(errs...)
}

func validateWorkspace(w *WorkspaceConfig) []error {
	var errs []error

	errs = append(errs, validateOctalPermission("file_permissions", w.FilePermissions)...)
	errs = append(errs, validateOctalPermission("dir_permissions", w.DirPermissions)...)

	return errs
}

func validateOctalPermission(field, value string) []error {
	if value == "" {
		return []error{fmt.Errorf("%s: must not be empty", field)}
	}

	if len(value) < minOctalDigits || len(value) > maxOctalDigits {
		return []error{fmt.Errorf("%s: must be 3 or 4 octal digits, got %q", field, value)}
	}

	n, err := strconv.ParseInt(value, octalBase, 32)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid octal value %q", field, value)}
	}

	if n < 0 || n > maxOctalValue {
		return []error{fmt.Errorf("%s: octal value out of range %q", field, value)}
	}

	return nil
}

func validateArchive(a *ArchiveConfig) []error {
	var errs []error

	for i, pattern := range a.ExcludeFiles {
		if _, err := filepath.Match(pattern, ""); err != nil {
			errs = append(errs, fmt.Errorf("exclude_files[%d]: invalid pattern %q: %w", i, pattern, err))
		}
	}

	if _, err := ParseSize(a.MaxArchiveSize); err != nil {
		errs = append(errs, fmt.Errorf("max_archive_size: %w", err))
	}

	if _, err := ParseSize(a.MaxEntrySize); err != nil {
		errs = append(errs, fmt.Errorf("max_entry_size: %w", err))
	}

	errs = append(errs, validateDurationRange("debounce", a.Debounce, minDebounce, maxDebounce)...)
	errs = append(errs, validateDurationMin("suppress_window", a.SuppressWindow, minSuppressWindow)...)

	return errs
}

func validateServer(s *ServerConfig) []error {
	if s.ListenAddr == "" {
		return []error{errors.New("listen_addr: must not be empty")}
	}

	return nil
}

func validateHistory(h *HistoryConfig) []error {
	d, err := time.ParseDuration(h.HistoryRetention)
	if err != nil {
		return []error{fmt.Errorf("history_retention: invalid duration %q: %w", h.HistoryRetention, err)}
	}

	// Zero keeps every entry.
	if d != 0 && d < minRetention {
		return []error{fmt.Errorf("history_retention: must be 0 or >= %s, got %s", minRetention, d)}
	}

	return nil
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationRange(field, value string, minimum, maximum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	if d, _ := time.ParseDuration(value); d > maximum {
		return []error{fmt.Errorf("%s: must be <= %s, got %s", field, maximum, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}
