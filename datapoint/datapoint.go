// Package datapoint holds the values exposed by a Vitotronic controller: what
// they are, where they live in the device memory and how their raw bytes
// translate into booleans and numbers.
package datapoint

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/speters/vitoconnect/optolink"
)

// Kind is the platform entity type of a datapoint
type Kind int

const (
	BinarySensor Kind = iota
	Sensor
	Number
	Switch
)

var kindNames = map[Kind]string{
	BinarySensor: "binary_sensor",
	Sensor:       "sensor",
	Number:       "number",
	Switch:       "switch",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText renders the kind as its configuration name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind accepts the configuration names of all kinds, "binary" included
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "binary" {
		return BinarySensor, nil
	}
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidDescriptor, s)
}

// Writable reports whether values of this kind can be written to the device
func (k Kind) Writable() bool {
	return k == Number || k == Switch
}

// Numeric reports whether values of this kind decode to float64
func (k Kind) Numeric() bool {
	return k == Sensor || k == Number
}

// ByteOrder of multi byte values
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big"
	}
	return "little"
}

// ParseByteOrder accepts "little" (the default for an empty string) or "big"
func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "little", "le":
		return LittleEndian, nil
	case "big", "be":
		return BigEndian, nil
	}
	return 0, fmt.Errorf("%w: unknown byte order %q", ErrInvalidDescriptor, s)
}

// divRatios are the scale factors the controllers use
var divRatios = map[int]bool{1: true, 2: true, 10: true, 3600: true}

// MaxLength is the widest value a datapoint may span
const MaxLength = 8

// Descriptor is the static definition of a datapoint
type Descriptor struct {
	Name      string
	Address   optolink.Address
	Length    uint8
	Kind      Kind
	DivRatio  int
	Min       float64
	Max       float64
	Step      float64
	Signed    *bool // nil: signed for two byte values only
	ByteOrder ByteOrder

	// Presentation hints for the platform
	Unit        string
	DeviceClass string
	Icon        string
}

// IsSigned reports whether the raw integer is two's complement
func (d *Descriptor) IsSigned() bool {
	if d.Signed != nil {
		return *d.Signed
	}
	return d.Length == 2
}

// Validate checks the descriptor for consistency
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: datapoint at %v has no name", ErrInvalidDescriptor, d.Address)
	}
	if d.Length == 0 || d.Length > MaxLength {
		return fmt.Errorf("%w: %s: length %d out of range 1..%d", ErrInvalidDescriptor, d.Name, d.Length, MaxLength)
	}
	if _, ok := kindNames[d.Kind]; !ok {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, d.Name, d.Kind)
	}
	if d.Kind == Switch && d.Length != 1 {
		return fmt.Errorf("%w: %s: a switch is a single byte", ErrInvalidDescriptor, d.Name)
	}
	if d.Kind.Numeric() && !divRatios[d.DivRatio] {
		return fmt.Errorf("%w: %s: divisor ratio %d not one of 1, 2, 10, 3600", ErrInvalidDescriptor, d.Name, d.DivRatio)
	}
	if d.Kind == Number {
		// min and max are mandatory for numbers, an empty range means they are missing
		if math.IsNaN(d.Min) || math.IsNaN(d.Max) || d.Min >= d.Max {
			return fmt.Errorf("%w: %s: invalid range [%v, %v], min and max are required", ErrInvalidDescriptor, d.Name, d.Min, d.Max)
		}
		if d.Step < 0 {
			return fmt.Errorf("%w: %s: negative step %v", ErrInvalidDescriptor, d.Name, d.Step)
		}
	}
	return nil
}

// Datapoint is a registered value. Address and length never change; the
// decoded value is replaced by the hub after every completed exchange.
type Datapoint struct {
	Descriptor

	index int
	codec Codec

	mu       sync.RWMutex
	value    interface{}
	updated  time.Time
	failures int
	lastErr  error
}

func newDatapoint(d Descriptor, index int) *Datapoint {
	return &Datapoint{Descriptor: d, index: index, codec: codecFor(d.Kind)}
}

// Index is the position in the registry, which is also the polling order
func (dp *Datapoint) Index() int { return dp.index }

// Decode converts raw device bytes into a value
func (dp *Datapoint) Decode(b []byte) (interface{}, error) {
	return dp.codec.Decode(&dp.Descriptor, b)
}

// Encode converts a value into the bytes to write. Range and type are checked
// here, so a rejected value never reaches the device.
func (dp *Datapoint) Encode(v interface{}) ([]byte, error) {
	if !dp.Kind.Writable() {
		return nil, fmt.Errorf("%w: %s is a %v", ErrNotWritable, dp.Name, dp.Kind)
	}
	return dp.codec.Encode(&dp.Descriptor, v)
}

// Value returns the last known value and when it was read. ok is false as
// long as no exchange has succeeded.
func (dp *Datapoint) Value() (v interface{}, updated time.Time, ok bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return dp.value, dp.updated, !dp.updated.IsZero()
}

// Set stores a value confirmed by the device
func (dp *Datapoint) Set(v interface{}) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.value = v
	dp.updated = time.Now()
	dp.lastErr = nil
}

// Fail records a failed exchange; the value stays untouched
func (dp *Datapoint) Fail(err error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.failures++
	dp.lastErr = err
}

// Failures returns the number of failed exchanges and the latest error,
// which is nil again after a success.
func (dp *Datapoint) Failures() (int, error) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return dp.failures, dp.lastErr
}

// State is a point in time copy of a datapoint for presentation
type State struct {
	Name     string           `json:"name"`
	Kind     Kind             `json:"kind"`
	Address  optolink.Address `json:"address"`
	Length   uint8            `json:"length"`
	Writable bool             `json:"writable"`
	Unit     string           `json:"unit,omitempty"`
	Min      *float64         `json:"min,omitempty"`
	Max      *float64         `json:"max,omitempty"`
	Step     *float64         `json:"step,omitempty"`
	Value    interface{}      `json:"value"`
	Updated  *time.Time       `json:"updated,omitempty"`
	Failures int              `json:"failures"`
	Error    string           `json:"error,omitempty"`
}

// State returns a snapshot of the datapoint
func (dp *Datapoint) State() State {
	dp.mu.RLock()
	defer dp.mu.RUnlock()

	s := State{
		Name:     dp.Name,
		Kind:     dp.Kind,
		Address:  dp.Address,
		Length:   dp.Length,
		Writable: dp.Kind.Writable(),
		Unit:     dp.Unit,
		Value:    dp.value,
		Failures: dp.failures,
	}
	if dp.Kind == Number {
		min, max, step := dp.Min, dp.Max, dp.Step
		s.Min, s.Max, s.Step = &min, &max, &step
	}
	if !dp.updated.IsZero() {
		t := dp.updated
		s.Updated = &t
	}
	if dp.lastErr != nil {
		s.Error = dp.lastErr.Error()
	}
	return s
}
