package testlog

import (
	"testing"
	"time"

	"github.com/danmuck/portmesh/internal/logging"
	"github.com/danmuck/portmesh/internal/logs"
)

// Start configures test logging and brackets the test with begin/end lines.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	began := time.Now()
	logs.Infof("test=%s begin", t.Name())
	t.Cleanup(func() {
		logs.Infof("test=%s end failed=%t elapsed=%s", t.Name(), t.Failed(), time.Since(began))
	})
}
