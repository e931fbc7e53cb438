package mqtt

import (
	"fmt"
	"strings"

	"github.com/carlmjohnson/versioninfo"
	"github.com/google/uuid"

	"github.com/speters/vitoconnect/datapoint"
)

type HADiscoveryConfig struct {
	Device            HADiscoveryDevice `json:"device"`
	StateTopic        string            `json:"state_topic"`
	CommandTopic      string            `json:"command_topic,omitempty"`
	StateClass        string            `json:"state_class,omitempty"`
	DeviceClass       string            `json:"device_class,omitempty"`
	UnitOfMeasurement string            `json:"unit_of_measurement,omitempty"`
	AvTopic           string            `json:"availability_topic,omitempty"`
	EntityCategory    string            `json:"entity_category,omitempty"`
	Name              string            `json:"name"`
	UniqueId          string            `json:"unique_id"`
	Platform          string            `json:"platform"`
	PayloadOn         string            `json:"payload_on,omitempty"`
	PayloadOff        string            `json:"payload_off,omitempty"`
	StateOn           string            `json:"state_on,omitempty"`
	StateOff          string            `json:"state_off,omitempty"`
	Icon              string            `json:"icon,omitempty"`
	Min               *float64          `json:"min,omitempty"`
	Max               *float64          `json:"max,omitempty"`
	Step              float64           `json:"step,omitempty"`
	Mode              string            `json:"mode,omitempty"`
}

type HADiscoveryDevice struct {
	Id           []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Version      string   `json:"sw_version,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
}

// BridgeDevice is the Home Assistant device grouping all entities. Its id is
// derived from the base topic so it survives restarts.
func BridgeDevice(baseTopic string) HADiscoveryDevice {
	short := strings.Split(uuid.NewSHA1(uuid.NameSpaceOID, []byte(baseTopic)).String(), "-")[0]
	return HADiscoveryDevice{
		Id:           []string{"vitoconnect_" + short},
		Manufacturer: "Viessmann",
		Model:        "Vitotronic (Optolink)",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("Vitoconnect %s", short),
	}
}

// HADiscoveryTopic is the config topic of the entity for dp
func (c *Client) HADiscoveryTopic(dev HADiscoveryDevice, dp *datapoint.Datapoint) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", c.cfg.DiscoveryPrefix, dp.Kind, dev.Id[0], EntityID(dp.Name))
}

// HADiscoveryMessage describes dp as a Home Assistant entity
func (c *Client) HADiscoveryMessage(dev HADiscoveryDevice, dp *datapoint.Datapoint) HADiscoveryConfig {
	cfg := HADiscoveryConfig{
		Device:            dev,
		StateTopic:        c.StateTopic(dp),
		CommandTopic:      c.CommandTopic(dp),
		DeviceClass:       dp.DeviceClass,
		UnitOfMeasurement: dp.Unit,
		AvTopic:           c.BridgeStateTopic(),
		Name:              dp.Name,
		UniqueId:          fmt.Sprintf("%s_%s", dev.Id[0], EntityID(dp.Name)),
		Icon:              dp.Icon,
		Platform:          "mqtt",
	}
	switch dp.Kind {
	case datapoint.Sensor:
		cfg.StateClass = "measurement"
	case datapoint.BinarySensor:
		cfg.PayloadOn = PayloadOn
		cfg.PayloadOff = PayloadOff
	case datapoint.Switch:
		cfg.PayloadOn = PayloadOn
		cfg.PayloadOff = PayloadOff
		cfg.StateOn = PayloadOn
		cfg.StateOff = PayloadOff
	case datapoint.Number:
		min, max := dp.Min, dp.Max
		cfg.Min, cfg.Max = &min, &max
		cfg.Step = dp.Step
		if cfg.Step == 0 {
			cfg.Step = 1 / float64(dp.DivRatio)
		}
		cfg.Mode = "box"
		cfg.EntityCategory = "config"
	}
	return cfg
}
