package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		enabled zapcore.Level
		hidden  zapcore.Level
	}{
		{"default info", Options{}, zapcore.InfoLevel, zapcore.DebugLevel},
		{"warn", Options{Level: "WARN"}, zapcore.WarnLevel, zapcore.InfoLevel},
		{"verbose wins", Options{Level: "error", Verbose: true}, zapcore.DebugLevel, zapcore.Level(-2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.opts)
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.enabled))
			assert.False(t, log.Core().Enabled(tt.hidden))
		})
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestNewJSONOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	log, err := New(Options{Format: "json", OutputPaths: []string{path}})
	require.NoError(t, err)
	log.Info("Dropping entity", zap.String("entity", "LEDGER"), zap.Int("position", 3))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line))
	assert.Equal(t, "Dropping entity", line["msg"])
	assert.Equal(t, "LEDGER", line["entity"])
	assert.Equal(t, float64(3), line["position"])
}
