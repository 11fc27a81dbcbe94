package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "console.yaml", `api:
  base_url: http://scale.local:8000
  timeout: 3s
logging:
  level: debug
polling:
  service_mode: 4s
  devices: 30s
activity:
  capacity: 20
status_rules:
  - class: active
    when: active
reports:
  output_dir: /tmp/reports
hot_reload: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "http://scale.local:8000", cfg.API.BaseURL)
	require.Equal(t, 3*time.Second, cfg.API.Timeout.Duration)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 4*time.Second, cfg.ServiceModeInterval())
	require.Equal(t, 30*time.Second, cfg.DevicesInterval())
	require.Equal(t, 5*time.Second, cfg.MachineStateInterval())
	require.Equal(t, 2*time.Second, cfg.ReadingsInterval())
	require.Equal(t, 20, cfg.ActivityCapacity())
	require.Equal(t, "/tmp/reports", cfg.ReportDir())
	require.Len(t, cfg.StatusRules, 1)
	require.True(t, cfg.HotReload)
	require.Equal(t, path, cfg.Source)
}

func TestLoadCUE(t *testing.T) {
	path := writeFile(t, "console.cue", `api: {
	base_url: "https://scale.example.com"
	timeout:  "10s"
}
polling: readings: "1s"
live_view: listen: "127.0.0.1:9000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "https://scale.example.com", cfg.API.BaseURL)
	require.Equal(t, 10*time.Second, cfg.API.Timeout.Duration)
	require.Equal(t, time.Second, cfg.ReadingsInterval())
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress())
}

func TestLoadCUEReportsErrors(t *testing.T) {
	path := writeFile(t, "broken.cue", `api: base_url: 1 & "x"`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestDefaults(t *testing.T) {
	var cfg *Config
	require.Equal(t, defaultListen, cfg.ListenAddress())
	require.Equal(t, defaultActivityCapacity, cfg.ActivityCapacity())
	require.Equal(t, defaultServiceModeInterval, cfg.ServiceModeInterval())
	require.Equal(t, ".", cfg.ReportDir())
	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, time.Local, loc)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"missing base url": `logging: {level: info}`,
		"bad scheme":       `api: {base_url: "ftp://host"}`,
		"rule without when": `api: {base_url: "http://host"}
status_rules:
  - class: active`,
		"bad timezone": `api: {base_url: "http://host"}
timezone: Mars/Olympus`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Parse([]byte(doc))
			require.NoError(t, err)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	_, err := Load("  ")
	require.Error(t, err)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte(`polling: {devices: soon}`))
	require.Error(t, err)
}
