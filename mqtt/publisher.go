package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/speters/vitoconnect/datapoint"
)

// Writer forwards write requests to the device, e.g. a *hub.Hub
type Writer interface {
	Write(ctx context.Context, name string, v interface{}) error
}

// Bridge publishes datapoint values and turns commands into writes
type Bridge struct {
	client *Client
	reg    *datapoint.Registry
	writer Writer
	device HADiscoveryDevice
	ids    map[string]*datapoint.Datapoint
	log    *log.Entry
}

// NewBridge connects the datapoints of reg to the broker behind c
func NewBridge(c *Client, reg *datapoint.Registry, w Writer) *Bridge {
	b := &Bridge{
		client: c,
		reg:    reg,
		writer: w,
		device: BridgeDevice(c.cfg.BaseTopic),
		ids:    map[string]*datapoint.Datapoint{},
		log:    c.log,
	}
	for _, dp := range reg.Points() {
		b.ids[EntityID(dp.Name)] = dp
	}
	return b
}

// FormatValue renders a value as state payload
func FormatValue(v interface{}) string {
	switch x := v.(type) {
	case bool:
		if x {
			return PayloadOn
		}
		return PayloadOff
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Publish sends the state of dp, retained. It is called on the hub
// goroutine and does not wait for the broker.
func (b *Bridge) Publish(dp *datapoint.Datapoint, v interface{}) {
	b.client.PublishAsync(b.client.StateTopic(dp), FormatValue(v), true, func(err error) {
		if err != nil {
			b.log.WithField("datapoint", dp.Name).Warnf("Publishing state failed: %v", err)
		}
	})
}

// OnConnect announces the bridge, publishes discovery configs and
// subscribes to commands. It is meant as paho OnConnect handler, so it runs
// again after every reconnect.
func (b *Bridge) OnConnect(_ mqtt.Client) {
	b.log.Infof("Connected to MQTT broker")
	if err := b.client.Publish(b.client.BridgeStateTopic(), PayloadOnline, true); err != nil {
		b.log.Errorf("Publishing bridge state failed: %v", err)
	}
	if b.client.cfg.Discovery {
		if err := b.PublishDiscovery(); err != nil {
			b.log.Errorf("Publishing discovery failed: %v", err)
		}
	}
	err := b.client.SubscribeCommands(func(topic string, payload []byte) {
		go b.HandleCommand(topic, payload)
	})
	if err != nil {
		b.log.Errorf("Subscribing to commands failed: %v", err)
	}
	// Republish what is known, the broker may have lost retained states
	for _, dp := range b.reg.Points() {
		if v, _, ok := dp.Value(); ok {
			b.Publish(dp, v)
		}
	}
}

// OnConnectionLost is meant as paho OnConnectionLost handler
func (b *Bridge) OnConnectionLost(_ mqtt.Client, err error) {
	b.log.Warnf("Lost connection to MQTT broker: %v", err)
}

// PublishDiscovery sends the Home Assistant config of every datapoint
func (b *Bridge) PublishDiscovery() error {
	for _, dp := range b.reg.Points() {
		payload, err := json.Marshal(b.client.HADiscoveryMessage(b.device, dp))
		if err != nil {
			return err
		}
		if err := b.client.Publish(b.client.HADiscoveryTopic(b.device, dp), payload, true); err != nil {
			return err
		}
	}
	return nil
}

// HandleCommand writes the payload of a switch or number command. After a
// failed write the last known state is published again so that optimistic
// frontends revert.
func (b *Bridge) HandleCommand(topic string, payload []byte) error {
	cmd, err := b.client.ParseCommand(topic, payload)
	if err != nil {
		b.log.Debugf("Ignoring message on %s: %v", topic, err)
		return err
	}
	dp, ok := b.ids[cmd.EntityID]
	if !ok || dp.Kind != cmd.Kind {
		err = fmt.Errorf("%w: %s %s", datapoint.ErrUnknownDatapoint, cmd.Kind, cmd.EntityID)
		b.log.Warn(err)
		return err
	}

	l := b.log.WithFields(log.Fields{"datapoint": dp.Name, "payload": cmd.Payload})
	ctx, cancel := context.WithTimeout(context.Background(), b.client.cfg.WriteTimeout)
	defer cancel()
	if err := b.writer.Write(ctx, dp.Name, cmd.Payload); err != nil {
		l.Warnf("Write failed: %v", err)
		if v, _, ok := dp.Value(); ok {
			b.Publish(dp, v)
		}
		return err
	}
	l.Infof("Written")
	return nil
}

// Close marks the bridge offline and disconnects
func (b *Bridge) Close() {
	if err := b.client.Publish(b.client.BridgeStateTopic(), PayloadOffline, true); err != nil {
		b.log.Warnf("Publishing bridge state failed: %v", err)
	}
	b.client.Disconnect()
}
