package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEntryCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("json", &buf).With(Field{Key: "component", Value: "engine"})
	logger.Warn("frame dropped", Field{Key: "scan_id", Value: "s-1"}, Err(errors.New("bad json")))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "frame dropped", entry["msg"])
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "s-1", entry["scan_id"])
	assert.Equal(t, "bad json", entry["error"])
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("text", &buf)
	logger.SetLevel(ParseLevel("warn"))
	logger.Info("hidden")
	logger.Debug("hidden")
	logger.Error("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, "level=error"))
}
