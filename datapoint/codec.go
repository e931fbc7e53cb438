package datapoint

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Codec converts between raw device bytes and typed values. Decode gets
// exactly Length bytes; Encode returns exactly Length bytes.
type Codec interface {
	Decode(d *Descriptor, b []byte) (v interface{}, err error)
	Encode(d *Descriptor, v interface{}) (b []byte, err error)
}

func codecFor(k Kind) Codec {
	switch k {
	case Sensor, Number:
		return numericCodec{}
	case Switch:
		return switchCodec{}
	}
	return binaryCodec{}
}

func checkLength(d *Descriptor, b []byte) error {
	if len(b) != int(d.Length) {
		return fmt.Errorf("%w: %s: got %d bytes, expected %d", ErrDataLength, d.Name, len(b), d.Length)
	}
	return nil
}

type binaryCodec struct{}

func (binaryCodec) Decode(d *Descriptor, b []byte) (interface{}, error) {
	if err := checkLength(d, b); err != nil {
		return nil, err
	}
	return b[0] != 0, nil
}

func (binaryCodec) Encode(d *Descriptor, v interface{}) ([]byte, error) {
	return nil, ErrNotWritable
}

type switchCodec struct{}

func (switchCodec) Decode(d *Descriptor, b []byte) (interface{}, error) {
	return binaryCodec{}.Decode(d, b)
}

func (switchCodec) Encode(d *Descriptor, v interface{}) ([]byte, error) {
	on, err := toBool(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	if on {
		return []byte{0x01}, nil
	}
	return []byte{0x00}, nil
}

// numericCodec handles integers of Length bytes scaled by DivRatio
type numericCodec struct{}

func (numericCodec) Decode(d *Descriptor, b []byte) (interface{}, error) {
	if err := checkLength(d, b); err != nil {
		return nil, err
	}
	u := fromBytes(b, d.ByteOrder)

	var f float64
	if d.IsSigned() {
		shift := 64 - 8*uint(len(b))
		f = float64(int64(u<<shift) >> shift)
	} else {
		f = float64(u)
	}
	return f / float64(d.DivRatio), nil
}

func (numericCodec) Encode(d *Descriptor, v interface{}) ([]byte, error) {
	f, err := toFloat(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}

	if d.Kind == Number {
		if f < d.Min || f > d.Max {
			return nil, &WriteOutOfRangeError{Name: d.Name, Value: f, Min: d.Min, Max: d.Max}
		}
		if d.Step > 0 {
			f = d.Min + math.Round((f-d.Min)/d.Step)*d.Step
			f = math.Max(d.Min, math.Min(d.Max, f))
		}
	}

	// math.Round rounds half away from zero
	raw := math.Round(f * float64(d.DivRatio))
	bits := 8 * int(d.Length)
	lo, hi := 0.0, math.Ldexp(1, bits)
	if d.IsSigned() {
		lo, hi = -math.Ldexp(1, bits-1), math.Ldexp(1, bits-1)
	}
	if raw < lo || raw >= hi {
		return nil, fmt.Errorf("%w: %s: %v does not fit into %d bytes", ErrInvalidValue, d.Name, f, d.Length)
	}

	var u uint64
	if raw < 0 {
		u = uint64(int64(raw))
	} else {
		u = uint64(raw)
	}
	return toBytes(u, int(d.Length), d.ByteOrder), nil
}

func fromBytes(b []byte, order ByteOrder) uint64 {
	var u uint64
	if order == BigEndian {
		for i := 0; i < len(b); i++ {
			u = u<<8 | uint64(b[i])
		}
		return u
	}
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	return u
}

func toBytes(u uint64, n int, order ByteOrder) []byte {
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		if order == BigEndian {
			b[n-1-i] = byte(u)
		} else {
			b[i] = byte(u)
		}
		u >>= 8
	}
	return b
}

// toFloat accepts the numeric types, numeric strings and json.Number
func toFloat(v interface{}) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		return toFloat(string(x))
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, x)
		}
		f = p
	default:
		return 0, fmt.Errorf("%w: %T is not a number", ErrInvalidValue, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidValue, f)
	}
	return f, nil
}

// toBool accepts bool, 0/1 and the usual on/off spellings
func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "true", "1", "yes":
			return true, nil
		case "off", "false", "0", "no":
			return false, nil
		}
		return false, fmt.Errorf("%w: %q is not a switch state", ErrInvalidValue, x)
	}
	f, err := toFloat(v)
	if err != nil {
		return false, fmt.Errorf("%w: %v is not a switch state", ErrInvalidValue, v)
	}
	switch f {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: %v is not a switch state", ErrInvalidValue, v)
}
