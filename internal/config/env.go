package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "LIVE_SCRATCH_CONFIG"
	EnvWorkspace = "LIVE_SCRATCH_WORKSPACE"
	EnvListen    = "LIVE_SCRATCH_LISTEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // LIVE_SCRATCH_CONFIG: override config file path
	Workspace  string // LIVE_SCRATCH_WORKSPACE: workspace directory override
	ListenAddr string // LIVE_SCRATCH_LISTEN: server address override
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Workspace:  os.Getenv(EnvWorkspace),
		ListenAddr: os.Getenv(EnvListen),
	}
}
