// Package config loads the daemon configuration from a YAML file and
// VITOCONNECT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/speters/vitoconnect/datapoint"
	"github.com/speters/vitoconnect/mqtt"
	"github.com/speters/vitoconnect/optolink"
)

// EnvPrefix is prepended to environment overrides, e.g. VITOCONNECT_LINK
const EnvPrefix = "vitoconnect"

type Config struct {
	Protocol        string            `mapstructure:"protocol" yaml:"protocol"`
	Link            string            `mapstructure:"link" yaml:"link"`
	UpdateInterval  uint32            `mapstructure:"update_interval" yaml:"update_interval"` // milliseconds
	Retries         int               `mapstructure:"retries" yaml:"retries"`
	AckTimeout      uint32            `mapstructure:"ack_timeout" yaml:"ack_timeout"`           // milliseconds
	ResponseTimeout uint32            `mapstructure:"response_timeout" yaml:"response_timeout"` // milliseconds
	LogLevel        string            `mapstructure:"log_level" yaml:"log_level"`
	HTTP            HTTPConfig        `mapstructure:"http" yaml:"http"`
	MQTT            MQTTConfig        `mapstructure:"mqtt" yaml:"mqtt"`
	Datapoints      []DatapointConfig `mapstructure:"datapoints" yaml:"datapoints"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type MQTTConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker            string `mapstructure:"broker" yaml:"broker"`
	ClientID          string `mapstructure:"client_id" yaml:"client_id,omitempty"`
	Username          string `mapstructure:"username" yaml:"username,omitempty"`
	Password          string `mapstructure:"password" yaml:"password,omitempty"`
	BaseTopic         string `mapstructure:"base_topic" yaml:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable" yaml:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic" yaml:"ha_discovery_topic"`
}

// DatapointConfig is one entry of the datapoints list. Address accepts
// decimal and 0x prefixed hex.
type DatapointConfig struct {
	Name        string  `mapstructure:"name" yaml:"name"`
	Address     string  `mapstructure:"address" yaml:"address"`
	Length      uint8   `mapstructure:"length" yaml:"length"`
	Kind        string  `mapstructure:"kind" yaml:"kind"`
	DivRatio    int     `mapstructure:"div_ratio" yaml:"div_ratio,omitempty"`
	Min         float64 `mapstructure:"min" yaml:"min,omitempty"`
	Max         float64 `mapstructure:"max" yaml:"max,omitempty"`
	Step        float64 `mapstructure:"step" yaml:"step,omitempty"`
	Signed      *bool   `mapstructure:"signed" yaml:"signed,omitempty"`
	ByteOrder   string  `mapstructure:"byte_order" yaml:"byte_order,omitempty"`
	Unit        string  `mapstructure:"unit" yaml:"unit,omitempty"`
	DeviceClass string  `mapstructure:"device_class" yaml:"device_class,omitempty"`
	Icon        string  `mapstructure:"icon" yaml:"icon,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("protocol", "P300")
	v.SetDefault("link", "/dev/ttyUSB0")
	v.SetDefault("update_interval", 60000)
	v.SetDefault("retries", 3)
	v.SetDefault("ack_timeout", 500)
	v.SetDefault("response_timeout", 1000)
	v.SetDefault("log_level", "info")
	v.SetDefault("http.listen", ":3333")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.base_topic", "vitoconnect")
	v.SetDefault("mqtt.ha_discovery_enable", true)
	v.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
}

// Load reads file, if given, and applies environment overrides
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		log.Infof("Using config file %s", file)
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration. An unknown protocol yields an error
// matching optolink.ErrUnsupportedProtocol.
func (c *Config) Validate() error {
	if _, err := c.ProtocolKind(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Link) == "" {
		return errors.New("config param link must not be empty")
	}
	if c.UpdateInterval < 1000 {
		return errors.New("config param update_interval should be >= 1000ms")
	}
	if c.Retries < 1 {
		return errors.New("config param retries should be >= 1")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config param log_level: %w", err)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("config param mqtt.broker must be set")
		}
		if err := checkTopic(&c.MQTT.BaseTopic); err != nil {
			return fmt.Errorf("config param mqtt.base_topic: %w", err)
		}
		if err := checkTopic(&c.MQTT.HADiscoveryTopic); err != nil {
			return fmt.Errorf("config param mqtt.ha_discovery_topic: %w", err)
		}
	}
	if len(c.Datapoints) == 0 {
		return errors.New("no datapoints configured")
	}
	_, err := c.Descriptors()
	return err
}

func checkTopic(t *string) error {
	lower, err := mqtt.CheckTopic(*t)
	if err != nil {
		return err
	}
	*t = lower
	return nil
}

// ProtocolKind returns the configured protocol
func (c *Config) ProtocolKind() (optolink.Kind, error) {
	return optolink.ParseKind(c.Protocol)
}

// Interval returns the poll period
func (c *Config) Interval() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Millisecond
}

// ProtocolOptions translates the timing parameters
func (c *Config) ProtocolOptions() []optolink.Option {
	return []optolink.Option{
		optolink.WithRetries(c.Retries),
		optolink.WithTimeouts(time.Duration(c.AckTimeout)*time.Millisecond, time.Duration(c.ResponseTimeout)*time.Millisecond),
	}
}

// Level returns the logrus level, Info if unparsable
func (c *Config) Level() log.Level {
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return l
}

// Descriptors converts the datapoint list in order. Names must be unique.
func (c *Config) Descriptors() ([]datapoint.Descriptor, error) {
	var ds []datapoint.Descriptor
	seen := map[string]bool{}
	for i, dc := range c.Datapoints {
		d, err := dc.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("datapoints[%d]: %w", i, err)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("datapoints[%d]: %w: %s", i, datapoint.ErrDuplicateName, d.Name)
		}
		seen[d.Name] = true
		ds = append(ds, d)
	}
	return ds, nil
}

// Descriptor converts and validates a single entry
func (dc DatapointConfig) Descriptor() (datapoint.Descriptor, error) {
	addr, err := strconv.ParseUint(strings.TrimSpace(dc.Address), 0, 16)
	if err != nil {
		return datapoint.Descriptor{}, fmt.Errorf("%w: %s: address %q", datapoint.ErrInvalidDescriptor, dc.Name, dc.Address)
	}
	kind, err := datapoint.ParseKind(dc.Kind)
	if err != nil {
		return datapoint.Descriptor{}, fmt.Errorf("%s: %w", dc.Name, err)
	}
	order, err := datapoint.ParseByteOrder(dc.ByteOrder)
	if err != nil {
		return datapoint.Descriptor{}, fmt.Errorf("%s: %w", dc.Name, err)
	}
	length := dc.Length
	if length == 0 && (kind == datapoint.Switch || kind == datapoint.BinarySensor) {
		length = 1
	}
	div := dc.DivRatio
	if div == 0 {
		div = 1
	}

	d := datapoint.Descriptor{
		Name:        dc.Name,
		Address:     optolink.Address(addr),
		Length:      length,
		Kind:        kind,
		DivRatio:    div,
		Min:         dc.Min,
		Max:         dc.Max,
		Step:        dc.Step,
		Signed:      dc.Signed,
		ByteOrder:   order,
		Unit:        dc.Unit,
		DeviceClass: dc.DeviceClass,
		Icon:        dc.Icon,
	}
	return d, d.Validate()
}

// Redacted renders the configuration as YAML without secrets
func Redacted(c Config) string {
	if c.MQTT.Password != "" {
		c.MQTT.Password = "********"
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(b)
}
