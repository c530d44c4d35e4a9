package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	require.NoError(t, Setup("debug", FormatJSON, &buf))

	log.Debug().Str("package", "npm:lodash@4.17.21").Msg("indexed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "npm:lodash@4.17.21", entry["package"])
	assert.Contains(t, entry, "time")
}

func TestSetupFiltersLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	require.NoError(t, Setup("warn", FormatJSON, &buf))
	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestSetupRejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Setup("loud", FormatJSON, &buf))
	assert.Error(t, Setup("info", "xml", &buf))
}

func TestWithRun(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	require.NoError(t, Setup("info", FormatJSON, &buf))
	l := WithRun("run-1")
	l.Info().Msg("update")
	assert.Contains(t, buf.String(), `"run":"run-1"`)
}
