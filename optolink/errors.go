package optolink

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportTimeout is returned when the device did not answer in time
	ErrTransportTimeout = errors.New("transport timeout")
	// ErrFraming is returned for a bad start byte, length or echo in a reply
	ErrFraming = errors.New("framing error")
	// ErrChecksumMismatch is returned when a P300 reply fails CRC verification
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrNak is returned when the device refused a P300 request
	ErrNak = errors.New("request not acknowledged")
	// ErrErrorTelegram is returned when the device answers with an error telegram
	ErrErrorTelegram = errors.New("error telegram received")
	// ErrRetriesExhausted matches any *RetriesExhaustedError
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrUnsupportedProtocol is returned for an unknown protocol selector
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	// ErrLinkClosed is returned when the transport is gone
	ErrLinkClosed = errors.New("link closed")
)

// RetriesExhaustedError is returned once an exchange failed on every attempt
type RetriesExhaustedError struct {
	Op       string
	Attempts int
	Err      error // cause of the last attempt
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRetriesExhausted) true
func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// IsRetriesExhausted returns true if the error is a RetriesExhaustedError.
func IsRetriesExhausted(err error) bool {
	var e *RetriesExhaustedError
	return errors.As(err, &e)
}

func framingErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFraming, fmt.Sprintf(format, args...))
}
