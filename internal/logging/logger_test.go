package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestInitWithFormat_JSON(t *testing.T) {
	var buf bytes.Buffer
	InitWithFormat("info", "json", &buf)
	t.Cleanup(func() { Init("info") })

	Debug("hidden")
	Info("node done", "node", "token")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "node done", line["msg"])
	assert.Equal(t, "token", line["node"])
}

func TestInitWithFormat_Text(t *testing.T) {
	var buf bytes.Buffer
	InitWithFormat("warn", "text", &buf)
	t.Cleanup(func() { Init("info") })

	Info("hidden")
	Warn("retrying", "attempt", 2)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=retrying attempt=2")
}
