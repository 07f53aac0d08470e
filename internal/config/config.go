package config

import (
	"io/fs"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "THERMALCTL"
	DefaultConfigName = "thermalctl"
	DefaultLogLevel   = "info"
	DefaultInterval   = 60
	DefaultPolicyFile = "/etc/thermalctl/policy.json"
	DefaultPIDFile    = "/run/thermalctl.pid"

	BackendNVML = "nvml"
	BackendHost = "host"
)

var valid = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		return LogLevel(strings.ToLower(fl.Field().String())).IsValid()
	})
	return v
}

type Config struct {
	Interval   int      `mapstructure:"interval" validate:"gt=0"`
	PolicyFile string   `mapstructure:"policy_file" validate:"required"`
	Backends   []string `mapstructure:"backends" validate:"min=1,dive,oneof=nvml host"`
	LogLevel   string   `mapstructure:"log_level" validate:"loglevel"`
	Monitor    bool     `mapstructure:"monitor"`
	Once       bool     `mapstructure:"once"`
	PIDFile    string   `mapstructure:"pid_file"`

	Thermal   ThermalConfig   `mapstructure:"thermal"`
	Fan       FanConfig       `mapstructure:"fan"`
	Host      HostConfig      `mapstructure:"host"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ThermalConfig struct {
	Tolerance      float64 `mapstructure:"tolerance" validate:"gte=0"`
	HighThreshold  float64 `mapstructure:"high_threshold" validate:"gte=0"`
	LowThreshold   float64 `mapstructure:"low_threshold" validate:"gte=0"`
	CriticalSensor int     `mapstructure:"critical_sensor" validate:"gte=0"`
}

type FanConfig struct {
	DefaultSpeed int `mapstructure:"default_speed" validate:"gte=0,lte=100"`
	MaxSpeed     int `mapstructure:"max_speed" validate:"gte=0,lte=100,gtefield=DefaultSpeed"`
}

type HostConfig struct {
	// Sensors limits the host backend to these sensor keys; empty means all
	Sensors []string `mapstructure:"sensors"`
}

type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path" validate:"required_if=Enabled true"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" validate:"gte=0"`
}

type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

// IntervalDuration returns the tick interval
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := valid.Struct(c); err != nil {
		return errors.New().Wrap(errors.ErrInvalidConfig, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("policy_file", DefaultPolicyFile)
	v.SetDefault("backends", []string{BackendNVML})
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("monitor", false)
	v.SetDefault("once", false)
	v.SetDefault("pid_file", DefaultPIDFile)

	v.SetDefault("thermal.tolerance", 0.5)
	v.SetDefault("thermal.high_threshold", 0.0)
	v.SetDefault("thermal.low_threshold", 40.0)
	v.SetDefault("thermal.critical_sensor", 0)

	v.SetDefault("fan.default_speed", 60)
	v.SetDefault("fan.max_speed", 100)

	v.SetDefault("host.sensors", []string{})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.db_path", "/var/lib/thermalctl/history.db")
	v.SetDefault("metrics.batch_size", 10)
	v.SetDefault("metrics.batch_timeout", 5*time.Minute)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.listen", "127.0.0.1:9465")
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("thermalctl", pflag.ContinueOnError)
	fs.String("config", "", "Path to the configuration file")
	fs.Int("interval", DefaultInterval, "Seconds between policy ticks")
	fs.String("policy", DefaultPolicyFile, "Path to the thermal policy file")
	fs.StringSlice("backends", []string{BackendNVML}, "Hardware backends to use (nvml, host)")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.Bool("monitor", false, "Collect and evaluate policies without acting")
	fs.Bool("once", false, "Run a single tick and exit")
	fs.String("pid-file", DefaultPIDFile, "Path to the pid file")
	fs.Bool("metrics", false, "Record tick history to SQLite")
	fs.Bool("telemetry", false, "Serve Prometheus metrics")
	return fs
}

// flagKeys maps flag names to configuration keys
var flagKeys = map[string]string{
	"interval":  "interval",
	"policy":    "policy_file",
	"backends":  "backends",
	"log-level": "log_level",
	"monitor":   "monitor",
	"once":      "once",
	"pid-file":  "pid_file",
	"metrics":   "metrics.enabled",
	"telemetry": "telemetry.enabled",
}

// Load reads defaults, the configuration file, the environment and args,
// in increasing order of precedence. args excludes the program name.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix, searchPath: []string{"/etc"}}
	for _, opt := range opts {
		opt(&o)
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err).WithMessage("Failed to bind flag " + name)
		}
	}

	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}
	if path == "" {
		path = o.configPath
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, readError(err, path)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("toml")
		for _, dir := range o.searchPath {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, readError(err, v.ConfigFileUsed())
			}
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err).WithMessage("Failed to unmarshal config")
	}

	// --debug and --verbose win over log_level
	if debug, _ := fs.GetBool("debug"); debug {
		cfg.LogLevel = string(LogLevelDebug)
	} else if verbose, _ := fs.GetBool("verbose"); verbose {
		cfg.LogLevel = string(LogLevelInfo)
	}
	if !LogLevel(strings.ToLower(cfg.LogLevel)).IsValid() {
		return nil, errFactory.WithData(errors.ErrInvalidLogLevel, cfg.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readError classifies a failed config file read. Anything that is neither
// missing nor unreadable failed to parse.
func readError(err error, path string) error {
	errFactory := errors.New()
	msg := "Failed to read config file " + path

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errFactory.Wrap(errors.ErrMissingConfig, err).WithMessage(msg)
	case errors.Is(err, fs.ErrPermission):
		return errFactory.Wrap(errors.ErrReadConfig, err).WithMessage(msg)
	default:
		return errFactory.Wrap(errors.ErrInvalidConfig, err).WithMessage(msg)
	}
}
