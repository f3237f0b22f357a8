package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "debug", Console: &buf}))
	defer Close()

	log.Info().Int("page", 3).Msg("page ready")

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "page ready", ev["message"])
	assert.Equal(t, "pageviewer", ev["service"])
	assert.EqualValues(t, 3, ev["page"])
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "warn", Console: &buf}))
	defer Close()

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestInitCreatesLogDir(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "nested", "viewer.log")
	require.NoError(t, Init(Options{File: file, MaxSizeMB: 1, Console: &buf}))
	defer Close()

	log.Info().Msg("to file")
	assert.FileExists(t, file)
}
