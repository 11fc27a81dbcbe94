package logging

import (
	"bytes"
	"testing"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/massensors/beltconsole/config"
)

func TestSetupLevelAndJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := setup(config.LoggingConfig{Level: "WARN"}, &buf)
	require.NoError(t, err)
	defer cleanup()

	require.Equal(t, zerolog.WarnLevel, logger.GetLevel())
	logger.Info().Msg("hidden")
	logger.Warn().Str("device", "ABC").Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"device":"ABC"`)
}

func TestSetupTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := setup(config.LoggingConfig{Format: "text"}, &buf)
	require.NoError(t, err)
	defer cleanup()
	logger.Info().Msg("console line")
	require.Contains(t, buf.String(), "console line")
	require.NotContains(t, buf.String(), `"message"`)
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, _, err := setup(config.LoggingConfig{Level: "chatty"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestLokiRequiresURL(t *testing.T) {
	_, _, err := setup(config.LoggingConfig{Loki: config.LokiConfig{Enabled: true}}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestLokiLabelsDefault(t *testing.T) {
	require.Equal(t, model.LabelSet{"app": "beltconsole"}, lokiLabels(nil))
	require.Equal(t, model.LabelSet{"site": "north"}, lokiLabels(map[string]string{"site": "north"}))
}
