package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file.
const (
	defaultWorkspaceDir     = "~/Documents/Live Scratch"
	defaultFilePermissions  = "0644"
	defaultDirPermissions   = "0755"
	defaultMaxArchiveSize   = "0"
	defaultMaxEntrySize     = "0"
	defaultDebounce         = "300ms"
	defaultSuppressWindow   = "1s"
	defaultListenAddr       = "127.0.0.1:3333"
	defaultHistoryRetention = "720h"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultLogRetentionDays = 30
	historyFileName         = "history.db"
)

// DefaultConfig returns a Config populated with all default values.
// It is both the starting point for TOML decoding (so unset fields keep
// their defaults) and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		WorkspaceConfig: defaultWorkspaceConfig(),
		ArchiveConfig:   defaultArchiveConfig(),
		ServerConfig:    defaultServerConfig(),
		HistoryConfig:   defaultHistoryConfig(),
		LoggingConfig:   defaultLoggingConfig(),
	}
}

func defaultWorkspaceConfig() WorkspaceConfig {
	return WorkspaceConfig{
		WorkspaceDir:    defaultWorkspaceDir,
		FilePermissions: defaultFilePermissions,
		DirPermissions:  defaultDirPermissions,
	}
}

func defaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		MaxArchiveSize: defaultMaxArchiveSize,
		MaxEntrySize:   defaultMaxEntrySize,
		Debounce:       defaultDebounce,
		SuppressWindow: defaultSuppressWindow,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: defaultListenAddr,
		Metrics:    true,
	}
}

func defaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		History:          true,
		HistoryRetention: defaultHistoryRetention,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		LogRetentionDays: defaultLogRetentionDays,
	}
}
