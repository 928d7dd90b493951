package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/serialdata/internal/serialport"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/dev/ttyACM0", cfg.GetPort())
	assert.Equal(t, 3, cfg.GetAveragingWindow())
	assert.Equal(t, 10, cfg.GetOffsetWindow())
	assert.Equal(t, 10, cfg.GetScalingWindow())
	assert.Equal(t, 100, cfg.GetNoiseSamples())
	assert.Equal(t, "data", cfg.GetDataDir())
	assert.Equal(t, filepath.Join("data", "serialdata.db"), cfg.GetDBPath())
	assert.True(t, cfg.GetSkipPartialLine())

	opts, err := cfg.PortOptions().Normalise()
	require.NoError(t, err)
	assert.Equal(t, "115200 8N1", opts.String())
}

func TestEmptyConfigGetters(t *testing.T) {
	cfg := &SessionConfig{}
	assert.Equal(t, DefaultSessionConfig().GetPort(), cfg.GetPort())
	assert.Equal(t, 3, cfg.GetAveragingWindow())
	assert.Equal(t, 100, cfg.GetNoiseSamples())
	assert.True(t, cfg.GetSkipPartialLine())
	assert.Equal(t, serialport.PortOptions{}, cfg.PortOptions())
}

func TestLoadSessionConfig(t *testing.T) {
	path := writeConfig(t, "session.json", `{
  "port": "/dev/ttyUSB1",
  "baud_rate": 9600,
  "parity": "even",
  "averaging_window": 5,
  "noise_samples": 20,
  "data_dir": "/tmp/cal",
  "skip_partial_line": false
}`)

	cfg, err := LoadSessionConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.GetPort())
	assert.Equal(t, 5, cfg.GetAveragingWindow())
	assert.Equal(t, 10, cfg.GetOffsetWindow(), "omitted field keeps default")
	assert.Equal(t, 20, cfg.GetNoiseSamples())
	assert.Equal(t, "/tmp/cal", cfg.GetDataDir())
	assert.Equal(t, filepath.Join("/tmp/cal", "serialdata.db"), cfg.GetDBPath())
	assert.False(t, cfg.GetSkipPartialLine())

	opts, err := cfg.PortOptions().Normalise()
	require.NoError(t, err)
	assert.Equal(t, "9600 8E1", opts.String())
}

func TestLoadSessionConfig_EmptyDBPathDisablesJournal(t *testing.T) {
	cfg, err := LoadSessionConfig(writeConfig(t, "s.json", `{"db_path": ""}`))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.GetDBPath())
}

func TestLoadSessionConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "session.yaml", `{}`, ".json extension"},
		{"invalid json", "bad.json", `{"port":`, "failed to parse"},
		{"window too small", "w.json", `{"averaging_window": 1}`, "averaging_window"},
		{"noise samples too small", "n.json", `{"noise_samples": 0}`, "noise_samples"},
		{"bad baud", "b.json", `{"baud_rate": 12345}`, "baud rate"},
		{"empty port", "p.json", `{"port": ""}`, "port"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadSessionConfig(writeConfig(t, tc.file, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadSessionConfig_Missing(t *testing.T) {
	_, err := LoadSessionConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stat")
}

func TestLoadSessionConfig_TooLarge(t *testing.T) {
	body := `{"port":"` + strings.Repeat("x", 1024*1024) + `"}`
	_, err := LoadSessionConfig(writeConfig(t, "big.json", body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
