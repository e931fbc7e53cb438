package datapoint

import (
	"errors"
	"fmt"
)

var (
	// ErrWriteOutOfRange is matched by *WriteOutOfRangeError
	ErrWriteOutOfRange = errors.New("write out of range")
	// ErrNotWritable is returned for writes to sensors
	ErrNotWritable = errors.New("datapoint is not writable")
	// ErrInvalidValue is returned for values that can not be converted
	ErrInvalidValue = errors.New("invalid value")
	// ErrDataLength is returned when raw data does not match the datapoint length
	ErrDataLength = errors.New("data length mismatch")

	ErrInvalidDescriptor = errors.New("invalid datapoint descriptor")
	ErrDuplicateName     = errors.New("duplicate datapoint name")
	ErrRegistrySealed    = errors.New("registry is sealed")
	ErrUnknownDatapoint  = errors.New("unknown datapoint")
)

// WriteOutOfRangeError reports a rejected write request
type WriteOutOfRangeError struct {
	Name  string
	Value float64
	Min   float64
	Max   float64
}

func (e *WriteOutOfRangeError) Error() string {
	return fmt.Sprintf("%s: value %v outside [%v, %v]", e.Name, e.Value, e.Min, e.Max)
}

// Is lets errors.Is match ErrWriteOutOfRange
func (e *WriteOutOfRangeError) Is(target error) bool {
	return target == ErrWriteOutOfRange
}
