package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesJSONWithServiceField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manager.log")
	log, level, err := New(Config{Level: "debug", Format: "json", OutputFile: path, Service: "gojotx-test"})
	require.NoError(t, err)
	require.Equal(t, zap.DebugLevel, level.Level())

	log.Info("Transaction manager started", zap.Int("port", 7100))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	require.Equal(t, "INFO", entry["level"])
	require.Equal(t, "gojotx-test", entry["service"])
	require.Equal(t, float64(7100), entry["port"])
}

func TestNew_DefaultsAndValidation(t *testing.T) {
	_, level, err := New(Config{OutputFile: "stderr"})
	require.NoError(t, err)
	require.Equal(t, zap.InfoLevel, level.Level())

	_, _, err = New(Config{Level: "loud"})
	require.Error(t, err)
}
