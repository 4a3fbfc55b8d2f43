package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. This powers "config show": the values in effect after defaults,
// config file, environment and flags have been applied.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n")

	if r.ConfigPath != "" {
		ew.printf("# config file: %s\n", r.ConfigPath)
	}

	ew.printf("\n")

	renderWorkspaceSection(ew, r)
	renderArchiveSection(ew, r)
	renderServerSection(ew, r)
	renderHistorySection(ew, r)
	renderLoggingSection(ew, &r.Logging)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Later writes after an error are no-ops, so callers can chain printf
// calls without checking each one.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderWorkspaceSection(ew *errWriter, r *Resolved) {
	ew.printf("# workspace\n")
	ew.printf("workspace_dir       = %q\n", r.WorkspaceDir)

	if r.DefaultProjectDir != "" {
		ew.printf("default_project_dir = %q\n", r.DefaultProjectDir)
	}

	ew.printf("file_permissions    = \"%04o\"\n", uint32(r.FilePerm))
	ew.printf("dir_permissions     = \"%04o\"\n", uint32(r.DirPerm))
	ew.printf("\n")
}

func renderArchiveSection(ew *errWriter, r *Resolved) {
	ew.printf("# archive\n")

	if len(r.ExcludeFiles) > 0 {
		ew.printf("exclude_files    = [%s]\n", joinQuoted(r.ExcludeFiles))
	}

	ew.printf("max_archive_size = %s\n", renderLimit(r.MaxArchiveSize))
	ew.printf("max_entry_size   = %s\n", renderLimit(r.MaxEntrySize))
	ew.printf("debounce         = %q\n", r.Debounce.String())
	ew.printf("suppress_window  = %q\n", r.SuppressWindow.String())
	ew.printf("\n")
}

func renderServerSection(ew *errWriter, r *Resolved) {
	ew.printf("# server\n")
	ew.printf("listen_addr = %q\n", r.ListenAddr)

	if r.StaticDir != "" {
		ew.printf("static_dir  = %q\n", r.StaticDir)
	}

	if len(r.AllowedOrigins) > 0 {
		ew.printf("allowed_origins = [%s]\n", joinQuoted(r.AllowedOrigins))
	}

	ew.printf("metrics     = %t\n", r.Metrics)
	ew.printf("\n")
}

func renderHistorySection(ew *errWriter, r *Resolved) {
	ew.printf("# history\n")
	ew.printf("history           = %t\n", r.History)
	ew.printf("history_retention = %q\n", r.HistoryRetention.String())

	if r.HistoryPath != "" {
		ew.printf("# database: %s\n", r.HistoryPath)
	}

	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("# logging\n")
	ew.printf("log_level          = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("log_file           = %q\n", l.LogFile)
	}

	ew.printf("log_format         = %q\n", l.LogFormat)
	ew.printf("log_retention_days = %d\n", l.LogRetentionDays)
}

// renderLimit prints 0 as "unlimited".
func renderLimit(n int64) string {
	if n == 0 {
		return `"0" # unlimited`
	}

	return fmt.Sprintf("\"%d\"", n)
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
