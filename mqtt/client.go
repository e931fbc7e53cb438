// Package mqtt exposes the datapoints of a hub as Home Assistant entities.
package mqtt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/speters/vitoconnect/datapoint"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
	PayloadOn      = "on"
	PayloadOff     = "off"
)

// Config of the broker connection
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	BaseTopic       string
	Discovery       bool
	DiscoveryPrefix string
	Timeout         time.Duration
	WriteTimeout    time.Duration
}

// OptsFromConfig prepares paho options with the bridge state as last will
func OptsFromConfig(cfg Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	id := cfg.ClientID
	if id == "" {
		id = "vitoconnect_" + strings.Split(uuid.NewString(), "-")[0]
	}
	opts.SetClientID(id)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetWill(bridgeStateTopic(cfg.BaseTopic), PayloadOffline, 0, true)
	return opts
}

// pahoClient is the part of mqtt.Client used here
type pahoClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Client publishes to and parses topics below the base topic
type Client struct {
	client              pahoClient
	cfg                 Config
	switchCommandRegexp *regexp.Regexp
	numberCommandRegexp *regexp.Regexp
	log                 *log.Entry
}

// NewClient wraps a paho client. Use mqtt.NewClient(OptsFromConfig(cfg))
// for a real broker connection.
func NewClient(cfg Config, c pahoClient) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	return &Client{
		client:              c,
		cfg:                 cfg,
		switchCommandRegexp: switchCommandExtractor(cfg.BaseTopic),
		numberCommandRegexp: numberCommandExtractor(cfg.BaseTopic),
		log:                 log.WithField("component", "mqtt"),
	}
}

// Command is a parsed write request from the broker
type Command struct {
	EntityID string
	Kind     datapoint.Kind
	Payload  string
}

// EntityID turns a datapoint name into an identifier usable in topics
func EntityID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// CheckTopic validates a base or discovery topic
func CheckTopic(topic string) (string, error) {
	lower := strings.ToLower(topic)
	if !regexp.MustCompile("^[a-z0-9_]+$").MatchString(lower) {
		return "", errors.New("invalid topic, can only contain letters, numbers and underscores")
	}
	return lower, nil
}

func (c *Client) BridgeStateTopic() string {
	return bridgeStateTopic(c.cfg.BaseTopic)
}

// StateTopic is where the values of dp are published
func (c *Client) StateTopic(dp *datapoint.Datapoint) string {
	return fmt.Sprintf("%s/%s/%s/state", c.cfg.BaseTopic, dp.Kind, EntityID(dp.Name))
}

// CommandTopic is where writes to dp are received, empty for sensors
func (c *Client) CommandTopic(dp *datapoint.Datapoint) string {
	switch dp.Kind {
	case datapoint.Switch:
		return fmt.Sprintf("%s/switch/%s/command", c.cfg.BaseTopic, EntityID(dp.Name))
	case datapoint.Number:
		return fmt.Sprintf("%s/number/%s/set", c.cfg.BaseTopic, EntityID(dp.Name))
	}
	return ""
}

// ParseCommand extracts the entity a command topic refers to
func (c *Client) ParseCommand(topic string, payload []byte) (*Command, error) {
	if m := c.switchCommandRegexp.FindStringSubmatch(topic); len(m) == 2 {
		return &Command{EntityID: m[1], Kind: datapoint.Switch, Payload: string(payload)}, nil
	}
	if m := c.numberCommandRegexp.FindStringSubmatch(topic); len(m) == 2 {
		return &Command{EntityID: m[1], Kind: datapoint.Number, Payload: string(payload)}, nil
	}
	return nil, fmt.Errorf("invalid command topic %q", topic)
}

// Connect blocks until the broker accepted the connection
func (c *Client) Connect() error {
	return c.wait("connect", c.client.Connect())
}

// Disconnect waits up to the timeout for pending work
func (c *Client) Disconnect() {
	c.client.Disconnect(uint(c.cfg.Timeout.Milliseconds()))
}

// Publish sends payload and waits for the broker
func (c *Client) Publish(topic string, payload interface{}, retain bool) error {
	return c.wait("publish", c.client.Publish(topic, 0, retain, payload))
}

// PublishAsync sends payload and reports the outcome to continuation
func (c *Client) PublishAsync(topic string, payload interface{}, retain bool, continuation func(error)) {
	token := c.client.Publish(topic, 0, retain, payload)
	go func() {
		continuation(c.wait("publish", token))
	}()
}

// SubscribeCommands routes all switch and number commands to handler
func (c *Client) SubscribeCommands(handler func(topic string, payload []byte)) error {
	cb := func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	}
	if err := c.wait("subscribe", c.client.Subscribe(c.cfg.BaseTopic+"/switch/+/command", 1, cb)); err != nil {
		return err
	}
	return c.wait("subscribe", c.client.Subscribe(c.cfg.BaseTopic+"/number/+/set", 1, cb))
}

func (c *Client) wait(op string, token mqtt.Token) error {
	if !token.WaitTimeout(c.cfg.Timeout) {
		return fmt.Errorf("MQTT %s timed out", op)
	}
	return token.Error()
}

func switchCommandExtractor(baseTopic string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^%s/switch/([a-z0-9_]+)/command$", regexp.QuoteMeta(baseTopic)))
}

func numberCommandExtractor(baseTopic string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^%s/number/([a-z0-9_]+)/set$", regexp.QuoteMeta(baseTopic)))
}

func bridgeStateTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}
