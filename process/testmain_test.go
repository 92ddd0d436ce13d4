package process

import (
	"os"
	"testing"

	"github.com/vibes-agent/vibes-core/logger"
)

func TestMain(m *testing.M) {
	// Send log output to /dev/null so tests don't write into the real
	// log directory.
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}
