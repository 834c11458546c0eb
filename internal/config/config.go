package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"rangefinder-go/errcode"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "RANGEFINDER"

	DefaultPin          = "GPIO17"
	DefaultPeriodMs     = 1000
	DefaultEchoTimeout  = 50 * time.Millisecond
	DefaultLogLevel     = "info"
	DefaultSimDistance  = 42
	DefaultMQTTClientID = "rangefinder"
)

// Config is the host binary's configuration.
type Config struct {
	Pin           string        `mapstructure:"pin"`
	PeriodMs      int           `mapstructure:"period_ms"`
	Enabled       bool          `mapstructure:"enabled"`
	EchoTimeout   time.Duration `mapstructure:"echo_timeout"`
	Simulate      bool          `mapstructure:"simulate"`
	SimDistanceCm int           `mapstructure:"sim_distance_cm"`
	LogLevel      string        `mapstructure:"log_level"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	MQTT          MQTT          `mapstructure:"mqtt"`
}

// MQTT configures the optional broker bridge. An empty Broker disables it.
type MQTT struct {
	Broker         string        `mapstructure:"broker"`
	Topic          string        `mapstructure:"topic"`
	ClientID       string        `mapstructure:"client_id"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ErrHelp is returned when -h/--help was requested.
var ErrHelp = pflag.ErrHelp

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// flag name -> viper key
var flagKeys = map[string]string{
	"pin":                  "pin",
	"period":               "period_ms",
	"enabled":              "enabled",
	"echo-timeout":         "echo_timeout",
	"simulate":             "simulate",
	"sim-distance":         "sim_distance_cm",
	"log-level":            "log_level",
	"metrics-addr":         "metrics_addr",
	"mqtt-broker":          "mqtt.broker",
	"mqtt-topic":           "mqtt.topic",
	"mqtt-client-id":       "mqtt.client_id",
	"mqtt-qos":             "mqtt.qos",
	"mqtt-connect-timeout": "mqtt.connect_timeout",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("ping-host", pflag.ContinueOnError)
	fs.String("config", "", "Path to a config file (toml, yaml or json)")
	fs.String("pin", DefaultPin, "GPIO name of the sensor signal pin")
	fs.Int("period", DefaultPeriodMs, "Measurement period in milliseconds (minimum 1000)")
	fs.Bool("enabled", true, "Start measuring immediately")
	fs.Duration("echo-timeout", DefaultEchoTimeout, "Maximum wait for each echo edge")
	fs.Bool("simulate", false, "Use a simulated sensor instead of GPIO")
	fs.Int("sim-distance", DefaultSimDistance, "Distance reported by the simulated sensor, in cm")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warn, error")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102 (empty disables)")
	fs.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables)")
	fs.String("mqtt-topic", "", "MQTT topic for readings (default rangefinder/<pin>/distance)")
	fs.String("mqtt-client-id", DefaultMQTTClientID, "MQTT client id")
	fs.Int("mqtt-qos", 0, "MQTT QoS for readings (0, 1 or 2)")
	fs.Duration("mqtt-connect-timeout", 5*time.Second, "MQTT connect timeout")
	return fs
}

// Load reads flags from args, then the environment (RANGEFINDER_*), then the
// optional config file, falling back to defaults.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	path, _ := fs.GetString("config")
	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDerived()
	return cfg, nil
}

// Validate rejects values that cannot be corrected. Short periods are not an
// error; the driver raises them to its floor.
func (c *Config) Validate() error {
	c.LogLevel = strings.ToLower(c.LogLevel)
	if !logLevels[c.LogLevel] {
		return &errcode.E{C: errcode.InvalidParams, Op: "log_level", Msg: c.LogLevel}
	}
	if !c.Simulate && c.Pin == "" {
		return &errcode.E{C: errcode.InvalidParams, Op: "pin", Msg: "empty pin name"}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return &errcode.E{C: errcode.InvalidParams, Op: "mqtt.qos", Msg: fmt.Sprint(c.MQTT.QoS)}
	}
	if c.SimDistanceCm < 0 {
		return &errcode.E{C: errcode.InvalidParams, Op: "sim_distance_cm", Msg: fmt.Sprint(c.SimDistanceCm)}
	}
	return nil
}

func (c *Config) applyDerived() {
	if c.Simulate && c.Pin == "" {
		c.Pin = "sim"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "rangefinder/" + c.Pin + "/distance"
	}
	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = 5 * time.Second
	}
}
