package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRecords(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"array", `[{"timestamp":"2026-09-01","cost":"1.50"},{"timestamp":"2026-09-02","cost":2}]`, 2},
		{"lines", "{\"timestamp\":\"2026-09-01\",\"cost\":1}\n{\"timestamp\":\"2026-09-02\",\"cost\":2}\n\n", 2},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			records, err := readRecords(path)
			require.NoError(t, err)
			assert.Len(t, records, tt.want)
		})
	}

	t.Run("numbers keep precision", func(t *testing.T) {
		path := filepath.Join(dir, "precise.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"cost":0.1000000000000000055}]`), 0o600))

		records, err := readRecords(path)
		require.NoError(t, err)
		assert.Equal(t, json.Number("0.1000000000000000055"), records[0]["cost"])
	})

	t.Run("malformed", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"cost":`), 0o600))
		_, err := readRecords(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readRecords(filepath.Join(dir, "missing.json"))
		assert.Error(t, err)
	})
}

func TestMonthBounds(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

	t.Run("explicit month", func(t *testing.T) {
		start, end, err := monthBounds("2026-02", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), start)
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), end)
	})

	t.Run("current month", func(t *testing.T) {
		start, end, err := monthBounds("", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), start)
		assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), end)
	})

	t.Run("invalid", func(t *testing.T) {
		_, _, err := monthBounds("October", now)
		assert.Error(t, err)
	})
}
