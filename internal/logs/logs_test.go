package logs

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cornelk/hashmap"
)

func TestRepeatLimiterSuppressesDuplicates(t *testing.T) {
	st := &state{cfg: Config{RepeatLimit: 2}, counter: &hashmap.HashMap{}}
	if !st.allow("same") || !st.allow("same") {
		t.Fatalf("first two lines should pass")
	}
	if st.allow("same") {
		t.Fatalf("third identical line should be suppressed")
	}
	if !st.allow("other") {
		t.Fatalf("distinct line should pass")
	}
}

func TestFileOutputWritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portmesh.log")
	cfg := DefaultConfig()
	cfg.File = path
	cfg.Level = DebugLevel
	Configure(cfg)
	defer Configure(DefaultConfig())

	Infof("logs.test file output key=%q", "value")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `logs.test file output key="value"`) {
		t.Fatalf("log line missing from file: %q", string(raw))
	}
}

func TestDisabledLevelDropsEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled.log")
	cfg := DefaultConfig()
	cfg.File = path
	cfg.Level = Disabled
	Configure(cfg)
	defer Configure(DefaultConfig())

	Errf("should not appear")

	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "should not appear") {
		t.Fatalf("disabled logger wrote output")
	}
}

func TestConsoleOutputAvoidsStdout(t *testing.T) {
	dir := t.TempDir()
	stdout, err := os.Create(filepath.Join(dir, "stdout"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stderr, err := os.Create(filepath.Join(dir, "stderr"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	origOut, origErr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = stdout, stderr
	defer func() {
		os.Stdout, os.Stderr = origOut, origErr
		Configure(DefaultConfig())
	}()

	Configure(DefaultConfig())
	Infof("logs.test default console line")
	Configure(DefaultConfig())

	rawOut, _ := os.ReadFile(stdout.Name())
	rawErr, _ := os.ReadFile(stderr.Name())
	if len(rawOut) != 0 {
		t.Fatalf("log line reached stdout: %q", rawOut)
	}
	if !strings.Contains(string(rawErr), "logs.test default console line") {
		t.Fatalf("log line missing from stderr: %q", rawErr)
	}

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	Configure(cfg)
	Warnf("logs.test explicit output")
	if !strings.Contains(buf.String(), "logs.test explicit output") {
		t.Fatalf("explicit output missing line: %q", buf.String())
	}
}
