package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_JSONFieldsIncludeComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Configure(Options{Level: "debug", Format: "json", Writer: buf}))
	t.Cleanup(func() { _ = Configure(Options{}) })

	InfoCF("engine", "Turn completed", map[string]any{"thread_id": "t-1", "turn": 3})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Turn completed", entry["msg"])
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "t-1", entry["thread_id"])
	assert.EqualValues(t, 3, entry["turn"])
}

func TestSetLevel_SuppressesLowerLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Configure(Options{Level: "info", Format: "text", Writer: buf}))
	t.Cleanup(func() { _ = Configure(Options{}) })

	DebugC("router", "hidden")
	assert.Empty(t, buf.String())

	SetLevel(DEBUG)
	DebugC("router", "visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestConfigure_RejectsUnknownSettings(t *testing.T) {
	assert.Error(t, Configure(Options{Level: "loud"}))
	assert.Error(t, Configure(Options{Format: "xml"}))
}
