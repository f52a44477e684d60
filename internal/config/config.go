package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"codeberg.org/mutker/pcslog/internal/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "PCSLOG"
	ConfigEnv      = "PCSLOG_CONFIG"
	configName     = "pcslog"
	configType     = "toml"
	systemConfPath = "/etc"

	DefaultBroker         = "tcp://169.254.11.110:1883"
	DefaultTopic          = "vrb/pcs/read"
	DefaultClientID       = "pcslog"
	DefaultQoS            = 0
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultQueueSize      = 256
	DefaultSink           = "/usr/plc/PCSlog.csv"
	DefaultInterval       = time.Second
	DefaultCommandField   = "PCS_REM_P_SET_40032"
	DefaultRunMode        = RunModeReset
	DefaultStateDB        = "/var/lib/pcslog/runs.db"
	DefaultLogLevel       = LogLevelInfo
)

// DefaultFields are the PCS registers logged per sample.
var DefaultFields = []string{
	"PCS_REM_P_SET_40032",
	"PCS_REAL_P_SET_30000",
	"PCS_ACTIVE_POWER_30044",
	"PCS_BATTERY_CURR_30048",
	"PCS_BATTERY_VOLT_30049",
	"PCS_BATTERY_POWER_30050",
	"PCS_INLET_AIR_TEMP_30060",
	"PCS_OUTLET_AIR_TEMP_30061",
	"PCS_IGBT_MAX_TEMP_30062",
}

type Config struct {
	ConfigFile string `mapstructure:"-"`

	// MQTT
	Broker         string        `mapstructure:"broker"`
	Topic          string        `mapstructure:"topic"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            int           `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keepalive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	QueueSize      int           `mapstructure:"queue_size"`

	// Sampling and runs
	Interval      time.Duration `mapstructure:"interval"`
	ResetOnRunEnd bool          `mapstructure:"reset_on_run_end"`
	CommandField  string        `mapstructure:"command_field"`
	RunMode       RunMode       `mapstructure:"run_mode"`
	StateDB       string        `mapstructure:"state_db"`

	// Sink
	Sink      string   `mapstructure:"sink"`
	Fields    []string `mapstructure:"fields"`
	Timestamp bool     `mapstructure:"timestamp"`
	Fsync     bool     `mapstructure:"fsync"`

	// Process
	MetricsAddr string   `mapstructure:"metrics_addr"`
	PIDFile     string   `mapstructure:"pid_file"`
	LogLevel    LogLevel `mapstructure:"log_level"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"broker":           "broker",
	"topic":            "topic",
	"client-id":        "client_id",
	"username":         "username",
	"password":         "password",
	"qos":              "qos",
	"keepalive":        "keepalive",
	"connect-timeout":  "connect_timeout",
	"queue-size":       "queue_size",
	"interval":         "interval",
	"reset-on-run-end": "reset_on_run_end",
	"command-field":    "command_field",
	"run-mode":         "run_mode",
	"state-db":         "state_db",
	"sink":             "sink",
	"fields":           "fields",
	"timestamp":        "timestamp",
	"fsync":            "fsync",
	"metrics-addr":     "metrics_addr",
	"pid-file":         "pid_file",
	"log-level":        "log_level",
}

// Load reads configuration from the command line of the running process.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs reads configuration with the precedence flags > environment >
// config file > defaults. The config file is taken from --config, then
// PCSLOG_CONFIG, then /etc/pcslog.toml; a missing default file is not
// an error.
func LoadArgs(args []string) (*Config, error) {
	errFactory := errors.New()

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	configFile, _ := fs.GetString("config")
	if configFile == "" {
		configFile = os.Getenv(ConfigEnv)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType(configType)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(systemConfPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		numberToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	cfg.Fields = normalizeFields(cfg.Fields)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)

	fs.String("config", "", "Path to the TOML configuration file")
	fs.String("broker", DefaultBroker, "MQTT broker URL")
	fs.String("topic", DefaultTopic, "MQTT topic carrying PCS telemetry")
	fs.String("client-id", DefaultClientID, "MQTT client id")
	fs.String("username", "", "MQTT username")
	fs.String("password", "", "MQTT password")
	fs.Int("qos", DefaultQoS, "MQTT subscription QoS (0-2)")
	fs.Duration("keepalive", DefaultKeepAlive, "MQTT keepalive")
	fs.Duration("connect-timeout", DefaultConnectTimeout, "Initial broker connect timeout")
	fs.Int("queue-size", DefaultQueueSize, "Messages buffered between transport and pipeline")
	fs.Duration("interval", DefaultInterval, "Minimum interval between samples (0 disables gating)")
	fs.Bool("reset-on-run-end", false, "Reset the sample gate when a run ends")
	fs.String("command-field", DefaultCommandField, "Field holding the remote power set-point")
	fs.String("run-mode", string(DefaultRunMode), "Run numbering across restarts: reset or persist")
	fs.String("state-db", DefaultStateDB, "Run ledger database used in persist mode")
	fs.String("sink", DefaultSink, "CSV file samples are appended to")
	fs.StringSlice("fields", DefaultFields, "Ordered device fields written per sample")
	fs.Bool("timestamp", false, "Add a timestamp column after sample_index")
	fs.Bool("fsync", true, "Sync the sink to disk after every record")
	fs.String("metrics-addr", "", "Serve prometheus metrics on this address (disabled when empty)")
	fs.String("pid-file", filepath.Join(os.TempDir(), "pcslog.pid"), "PID file guarding against a second instance")
	fs.String("log-level", string(DefaultLogLevel), "Log level: debug, info, warning, error")

	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker", DefaultBroker)
	v.SetDefault("topic", DefaultTopic)
	v.SetDefault("client_id", DefaultClientID)
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("qos", DefaultQoS)
	v.SetDefault("keepalive", DefaultKeepAlive)
	v.SetDefault("connect_timeout", DefaultConnectTimeout)
	v.SetDefault("queue_size", DefaultQueueSize)
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("reset_on_run_end", false)
	v.SetDefault("command_field", DefaultCommandField)
	v.SetDefault("run_mode", string(DefaultRunMode))
	v.SetDefault("state_db", DefaultStateDB)
	v.SetDefault("sink", DefaultSink)
	v.SetDefault("fields", DefaultFields)
	v.SetDefault("timestamp", false)
	v.SetDefault("fsync", true)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("pid_file", filepath.Join(os.TempDir(), "pcslog.pid"))
	v.SetDefault("log_level", string(DefaultLogLevel))
}

// numberToDurationHook reads bare numbers as seconds, so `interval = 2`
// in the config file means two seconds rather than two nanoseconds.
func numberToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))

	return func(_ reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durationType {
			return data, nil
		}
		switch n := data.(type) {
		case int:
			return time.Duration(n) * time.Second, nil
		case int64:
			return time.Duration(n) * time.Second, nil
		case float64:
			return time.Duration(n * float64(time.Second)), nil
		}
		return data, nil
	}
}

func normalizeFields(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks every setting and returns the first violation
func (c *Config) Validate() error {
	errFactory := errors.New()

	invalid := func(code errors.ErrorCode, field string, value any, reason string) error {
		return errFactory.WithData(code, FieldError{Field: field, Value: value, Reason: reason})
	}

	switch {
	case !c.LogLevel.IsValid():
		return invalid(errors.ErrInvalidLogLevel, "log_level", c.LogLevel, "must be debug, info, warning or error")
	case c.Interval < 0:
		return invalid(errors.ErrInvalidInterval, "interval", c.Interval, "must not be negative")
	case !c.RunMode.IsValid():
		return invalid(errors.ErrInvalidRunMode, "run_mode", c.RunMode, "must be reset or persist")
	case c.RunMode == RunModePersist && c.StateDB == "":
		return invalid(errors.ErrInvalidConfig, "state_db", c.StateDB, "required in persist mode")
	case len(c.Fields) == 0:
		return invalid(errors.ErrInvalidSchema, "fields", c.Fields, "at least one field is required")
	case c.CommandField == "":
		return invalid(errors.ErrInvalidConfig, "command_field", c.CommandField, "must not be empty")
	case c.Sink == "":
		return invalid(errors.ErrInvalidConfig, "sink", c.Sink, "must not be empty")
	case c.Broker == "":
		return invalid(errors.ErrInvalidConfig, "broker", c.Broker, "must not be empty")
	case c.Topic == "":
		return invalid(errors.ErrInvalidConfig, "topic", c.Topic, "must not be empty")
	case c.QoS < 0 || c.QoS > 2:
		return invalid(errors.ErrInvalidConfig, "qos", c.QoS, "must be 0, 1 or 2")
	case c.KeepAlive <= 0:
		return invalid(errors.ErrInvalidConfig, "keepalive", c.KeepAlive, "must be positive")
	case c.ConnectTimeout <= 0:
		return invalid(errors.ErrInvalidConfig, "connect_timeout", c.ConnectTimeout, "must be positive")
	case c.QueueSize <= 0:
		return invalid(errors.ErrInvalidConfig, "queue_size", c.QueueSize, "must be positive")
	}

	return nil
}
