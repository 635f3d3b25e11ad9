package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComponentTagsChildLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	Component(base, "orchestrator").Info("run complete", "processed", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "orchestrator", line["component"])
	require.Equal(t, "run complete", line["msg"])
	require.EqualValues(t, 3, line["processed"])
}

func TestComponentFallsBackToDefault(t *testing.T) {
	require.NotNil(t, Component(nil, "cache"))
}
