package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/thermalctl/internal/config"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "thermalctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// isolate keeps the host's /etc and environment out of the test
func isolate(t *testing.T) config.Option {
	t.Helper()
	t.Setenv("THERMALCTL_CONFIG", "")
	return config.WithSearchPath(t.TempDir())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
interval = 5
policy_file = "/etc/thermalctl/custom.json"
backends = ["nvml", "host"]
log_level = "debug"
monitor = true

[thermal]
tolerance = 1.5
high_threshold = 82.0
critical_sensor = 1

[fan]
default_speed = 45

[host]
sensors = ["coretemp_package_id_0"]

[metrics]
enabled = true
db_path = "/tmp/history.db"
batch_timeout = "30s"
`)
	isolate(t)
	t.Setenv("THERMALCTL_CONFIG", path)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Interval, "Expected Interval 5")
	assert.Equal(t, 5*time.Second, cfg.IntervalDuration())
	assert.Equal(t, "/etc/thermalctl/custom.json", cfg.PolicyFile)
	assert.Equal(t, []string{"nvml", "host"}, cfg.Backends)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Monitor)
	assert.InDelta(t, 1.5, cfg.Thermal.Tolerance, 1e-9)
	assert.InDelta(t, 82.0, cfg.Thermal.HighThreshold, 1e-9)
	assert.Equal(t, 1, cfg.Thermal.CriticalSensor)
	assert.Equal(t, 45, cfg.Fan.DefaultSpeed)
	assert.Equal(t, 100, cfg.Fan.MaxSpeed, "unset keys keep their defaults")
	assert.Equal(t, []string{"coretemp_package_id_0"}, cfg.Host.Sensors)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Metrics.BatchTimeout)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(nil, isolate(t))
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, config.DefaultInterval, cfg.Interval)
	assert.Equal(t, config.DefaultPolicyFile, cfg.PolicyFile)
	assert.Equal(t, []string{config.BackendNVML}, cfg.Backends)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.False(t, cfg.Monitor)
	assert.False(t, cfg.Once)
	assert.InDelta(t, 0.5, cfg.Thermal.Tolerance, 1e-9)
	assert.InDelta(t, 40.0, cfg.Thermal.LowThreshold, 1e-9)
	assert.Equal(t, 60, cfg.Fan.DefaultSpeed)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 10, cfg.Metrics.BatchSize)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "127.0.0.1:9465", cfg.Telemetry.Listen)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
interval = 5
log_level = "warning"
`)
	opt := isolate(t)
	t.Setenv("THERMALCTL_INTERVAL", "7")
	t.Setenv("THERMALCTL_FAN_MAX_SPEED", "90")
	t.Setenv("THERMALCTL_BACKENDS", "nvml,host")

	cfg, err := config.Load([]string{"--config", path, "--interval", "9"}, opt)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Interval, "flags override the environment")
	assert.Equal(t, 90, cfg.Fan.MaxSpeed, "environment overrides defaults")
	assert.Equal(t, []string{"nvml", "host"}, cfg.Backends)
	assert.Equal(t, "warning", cfg.LogLevel)

	cfg, err = config.Load([]string{"--config", path}, opt)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Interval, "environment overrides the file")
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)

	_, err := config.Load([]string{"--config", path}, isolate(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")}, isolate(t))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrMissingConfig))
	assert.False(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
log_level = "invalid"
`)

	_, err := config.Load([]string{"--config", path}, isolate(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestLogLevelFlags(t *testing.T) {
	opt := isolate(t)

	cfg, err := config.Load([]string{"--log-level", "error"}, opt)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel, "Expected LogLevel to be set by flag")

	cfg, err = config.Load([]string{"--log-level", "error", "--debug"}, opt)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)

	cfg, err = config.Load([]string{"--verbose"}, opt)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero interval", []string{"--interval", "0"}},
		{"unknown backend", []string{"--backends", "ipmi"}},
		{"empty policy", []string{"--policy", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(tt.args, isolate(t))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
		})
	}

	path := writeConfig(t, `
[fan]
default_speed = 80
max_speed = 70
`)
	_, err := config.Load([]string{"--config", path}, isolate(t))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig), "max speed below default speed")
}

func TestHelpFlag(t *testing.T) {
	_, err := config.Load([]string{"--help"}, isolate(t))
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestShippedConfigFile(t *testing.T) {
	cfg, err := config.Load([]string{"--config", filepath.Join("..", "..", "configs", "thermalctl.toml")}, isolate(t))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultInterval, cfg.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Metrics.BatchTimeout)
	assert.Empty(t, cfg.Host.Sensors)
}
