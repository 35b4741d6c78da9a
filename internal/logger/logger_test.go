package logger_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/blobxfer/internal/logger"
)

func TestDebugGate(t *testing.T) {
	var buf bytes.Buffer

	logger.SetOutput(&buf, false)
	defer logger.Close()

	logger.Debugf("hidden %d", 1)
	logger.Infof("shown %d", 2)
	logger.Warnf("careful")
	logger.Errorf("broken")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] shown 2")
	assert.Contains(t, out, "[WARNING] careful")
	assert.Contains(t, out, "[ERROR] broken")

	buf.Reset()
	logger.SetOutput(&buf, true)
	logger.Debugf("visible")
	assert.Contains(t, buf.String(), "[DEBUG] visible")
}

func TestInitLoggingToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "blobxfer.log")

	require.NoError(t, logger.InitLogging(true, path))
	logger.Infof("session opened")
	logger.Close()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "session opened")

	// After Close nothing is written and nothing panics.
	logger.Infof("dropped")
}
