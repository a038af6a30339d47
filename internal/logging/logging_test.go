package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		name  string
		opts  Options
		debug bool
	}{
		{"production default", Options{}, false},
		{"development default", Options{Development: true}, true},
		{"explicit debug", Options{Level: "debug"}, true},
		{"development at warn", Options{Development: true, Level: "warn"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.debug, logger.Core().Enabled(zap.DebugLevel))
		})
	}

	t.Run("invalid level", func(t *testing.T) {
		_, err := New(Options{Level: "loud"})
		assert.Error(t, err)
	})
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.log")
	logger, err := New(Options{Level: "info", File: path})
	require.NoError(t, err)

	logger.Info("Evaluation cycle complete", zap.Int("candidates", 3))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, `"message":"Evaluation cycle complete"`)
	assert.Contains(t, line, `"candidates":3`)
}
