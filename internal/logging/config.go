package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/portmesh/internal/logs"
)

const (
	EnvLogLevel     = "PORTMESH_LOG_LEVEL"
	EnvLogTimestamp = "PORTMESH_LOG_TIMESTAMP"
	EnvLogNoColor   = "PORTMESH_LOG_NOCOLOR"
	EnvLogBypass    = "PORTMESH_LOG_BYPASS"
	EnvLogFile      = "PORTMESH_LOG_FILE"
	EnvLogRepeat    = "PORTMESH_LOG_REPEAT_LIMIT"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

var configureOnce sync.Once

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure applies the profile defaults and env overrides once per process.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		logs.Configure(cfg)
	})
}

// ConfigureWith applies an explicit level/file on top of the runtime profile.
// Env overrides still win so operators can raise verbosity without editing config.
func ConfigureWith(level string, file string) {
	configureOnce.Do(func() {
		cfg := defaultConfig(ProfileRuntime)
		if lvl, ok := parseLevel(level); ok {
			cfg.Level = lvl
		}
		if strings.TrimSpace(file) != "" {
			cfg.File = strings.TrimSpace(file)
		}
		applyEnvOverrides(&cfg)
		logs.Configure(cfg)
	})
}

func defaultConfig(profile Profile) logs.Config {
	cfg := logs.DefaultConfig()
	switch profile {
	case ProfileTest:
		cfg.Level = logs.DebugLevel
		cfg.Timestamp = false
	default:
		cfg.Level = logs.InfoLevel
		cfg.Timestamp = true
		cfg.RepeatLimit = 1000
	}
	return cfg
}

func applyEnvOverrides(cfg *logs.Config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogBypass)); ok {
		cfg.Bypass = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.File = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(EnvLogRepeat))); err == nil && v >= 0 {
		cfg.RepeatLimit = v
	}
}

func parseLevel(raw string) (logs.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return logs.InfoLevel, false
	case "trace", "diagnostics":
		return logs.TraceLevel, true
	case "debug":
		return logs.DebugLevel, true
	case "info":
		return logs.InfoLevel, true
	case "warn", "warning":
		return logs.WarnLevel, true
	case "error":
		return logs.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return logs.Disabled, true
	default:
		return logs.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
