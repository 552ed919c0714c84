package logging

import (
	"testing"

	"github.com/danmuck/portmesh/internal/logs"
)

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]logs.Level{
		"trace":   logs.TraceLevel,
		"DEBUG":   logs.DebugLevel,
		" info ":  logs.InfoLevel,
		"warning": logs.WarnLevel,
		"error":   logs.ErrorLevel,
		"off":     logs.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) got=%v ok=%v want=%v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("unknown level should not parse")
	}
}

func TestEnvOverridesApply(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogFile, "/tmp/portmesh-test.log")
	t.Setenv(EnvLogRepeat, "5")

	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != logs.ErrorLevel {
		t.Fatalf("level override missing: %v", cfg.Level)
	}
	if !cfg.NoColor {
		t.Fatalf("nocolor override missing")
	}
	if cfg.File != "/tmp/portmesh-test.log" {
		t.Fatalf("file override missing: %q", cfg.File)
	}
	if cfg.RepeatLimit != 5 {
		t.Fatalf("repeat override missing: %d", cfg.RepeatLimit)
	}
}
