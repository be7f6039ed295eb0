// Package config holds the vogod daemon configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the names of environment overrides
const EnvPrefix = "VOGOD_"

// Read is a command read at startup and/or cyclically
type Read struct {
	Name  string        `yaml:"name"`
	Cycle time.Duration `yaml:"cycle"`
	Init  bool          `yaml:"init"`
}

// FollowUp lists the reads after writing a command
type FollowUp struct {
	ReadBack     bool          `yaml:"read_back"`
	ReadAfter    []string      `yaml:"read_after"`
	Triggers     []string      `yaml:"triggers"`
	TriggerDelay time.Duration `yaml:"trigger_delay"`
}

// MQTT configures the MQTT bridge. It is disabled without a broker.
type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config of the daemon
type Config struct {
	// Port is a serial device or socket://host:port
	Port     string        `yaml:"port"`
	Protocol string        `yaml:"protocol"`
	Device   string        `yaml:"device"`
	Timeout  time.Duration `yaml:"timeout"`
	// Catalog file, the embedded catalog if empty
	Catalog string `yaml:"catalog"`
	// HTTP is the API listen address, disabled if empty
	HTTP string `yaml:"http"`
	MQTT MQTT   `yaml:"mqtt"`

	Reads     []Read              `yaml:"reads"`
	Timers    []string            `yaml:"timers"`
	FollowUps map[string]FollowUp `yaml:"follow_ups"`
}

// Defaults returns the configuration used for everything a file does not set
func Defaults() *Config {
	return &Config{
		Protocol: "P300",
		Device:   "V200KO1B",
		Timeout:  time.Second,
		MQTT: MQTT{
			Topic: "vogod",
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse yaml %s: %w", path, err)
		}
		log.Debugf("Config loaded from %s", path)
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overrides fields from VOGOD_PORT, VOGOD_PROTOCOL, VOGOD_DEVICE, VOGOD_CATALOG,
// VOGOD_HTTP and VOGOD_MQTT_BROKER
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for name, field := range map[string]*string{
		"PORT":        &c.Port,
		"PROTOCOL":    &c.Protocol,
		"DEVICE":      &c.Device,
		"CATALOG":     &c.Catalog,
		"HTTP":        &c.HTTP,
		"MQTT_BROKER": &c.MQTT.Broker,
	} {
		if v, ok := lookup(EnvPrefix + name); ok {
			log.Debugf("Config %s%s overrides %q with %q", EnvPrefix, name, *field, v)
			*field = v
		}
	}
}

// Validate reports all settings the daemon can not run with
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("no port configured"))
	}
	if c.Protocol != "P300" && c.Protocol != "KW" {
		errs = append(errs, fmt.Errorf("unknown protocol %q", c.Protocol))
	}
	if c.Device == "" {
		errs = append(errs, errors.New("no device type configured"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, is %v", c.Timeout))
	}
	for i, r := range c.Reads {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("reads[%d]: no name", i))
		}
		if r.Cycle < 0 {
			errs = append(errs, fmt.Errorf("reads[%d]: negative cycle %v", i, r.Cycle))
		}
	}
	return errors.Join(errs...)
}

// InitReads returns the names of commands to read at startup
func (c *Config) InitReads() []string {
	var names []string
	for _, r := range c.Reads {
		if r.Init {
			names = append(names, r.Name)
		}
	}
	return names
}
