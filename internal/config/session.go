package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/serialdata/internal/serialport"
)

// DefaultConfigPath is where the CLI looks for a session config when no
// -config flag is given.
const DefaultConfigPath = "config/serialdata.json"

// SessionConfig holds the acquisition and calibration settings. Every field
// is optional; the Get* accessors return defaults for fields left unset.
type SessionConfig struct {
	// Serial link
	Port     *string `json:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`

	// Averaging and measurement windows
	AveragingWindow *int `json:"averaging_window,omitempty"`
	OffsetWindow    *int `json:"offset_window,omitempty"`
	ScalingWindow   *int `json:"scaling_window,omitempty"`
	NoiseSamples    *int `json:"noise_samples,omitempty"`

	// Storage
	DataDir *string `json:"data_dir,omitempty"`
	DBPath  *string `json:"db_path,omitempty"`

	SkipPartialLine *bool `json:"skip_partial_line,omitempty"`
}

func ptrInt(v int) *int          { return &v }
func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// DefaultSessionConfig returns a SessionConfig with every field populated.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Port:            ptrString("/dev/ttyACM0"),
		BaudRate:        ptrInt(serialport.DefaultBaudRate),
		DataBits:        ptrInt(8),
		StopBits:        ptrInt(1),
		Parity:          ptrString("N"),
		AveragingWindow: ptrInt(3),
		OffsetWindow:    ptrInt(10),
		ScalingWindow:   ptrInt(10),
		NoiseSamples:    ptrInt(100),
		DataDir:         ptrString("data"),
		DBPath:          ptrString(filepath.Join("data", "serialdata.db")),
		SkipPartialLine: ptrBool(true),
	}
}

// LoadSessionConfig loads a SessionConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file fall back to defaults through the Get* methods.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &SessionConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *SessionConfig) Validate() error {
	if _, err := c.PortOptions().Normalise(); err != nil {
		return err
	}

	windows := []struct {
		name string
		v    *int
	}{
		{"averaging_window", c.AveragingWindow},
		{"offset_window", c.OffsetWindow},
		{"scaling_window", c.ScalingWindow},
	}
	for _, w := range windows {
		if w.v != nil && *w.v < 2 {
			return fmt.Errorf("%s must be at least 2, got %d", w.name, *w.v)
		}
	}

	if c.NoiseSamples != nil && *c.NoiseSamples < 2 {
		return fmt.Errorf("noise_samples must be at least 2, got %d", *c.NoiseSamples)
	}

	if c.Port != nil && *c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}

	return nil
}

// PortOptions returns the serial parameters. Unset fields stay zero so that
// serialport.PortOptions.Normalise applies its own defaults.
func (c *SessionConfig) PortOptions() serialport.PortOptions {
	var opts serialport.PortOptions
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// GetPort returns the serial device path or the default.
func (c *SessionConfig) GetPort() string {
	if c.Port == nil || *c.Port == "" {
		return "/dev/ttyACM0"
	}
	return *c.Port
}

// GetAveragingWindow returns the normal rolling-mean window or the default.
func (c *SessionConfig) GetAveragingWindow() int {
	if c.AveragingWindow == nil {
		return 3
	}
	return *c.AveragingWindow
}

// GetOffsetWindow returns the offset measurement window or the default.
func (c *SessionConfig) GetOffsetWindow() int {
	if c.OffsetWindow == nil {
		return 10
	}
	return *c.OffsetWindow
}

// GetScalingWindow returns the scaling measurement window or the default.
func (c *SessionConfig) GetScalingWindow() int {
	if c.ScalingWindow == nil {
		return 10
	}
	return *c.ScalingWindow
}

// GetNoiseSamples returns the noise sample count or the default.
func (c *SessionConfig) GetNoiseSamples() int {
	if c.NoiseSamples == nil {
		return 100
	}
	return *c.NoiseSamples
}

// GetDataDir returns the directory for calibration files and CSV exports.
func (c *SessionConfig) GetDataDir() string {
	if c.DataDir == nil || *c.DataDir == "" {
		return "data"
	}
	return *c.DataDir
}

// GetDBPath returns the journal database path. An explicit empty string
// disables the journal.
func (c *SessionConfig) GetDBPath() string {
	if c.DBPath == nil {
		return filepath.Join(c.GetDataDir(), "serialdata.db")
	}
	return *c.DBPath
}

// GetSkipPartialLine returns the skip_partial_line value or the default.
func (c *SessionConfig) GetSkipPartialLine() bool {
	if c.SkipPartialLine == nil {
		return true
	}
	return *c.SkipPartialLine
}
