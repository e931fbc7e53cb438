package optolink

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Constants for OptoLink communications in KW and P300 protocols
const (
	NUL byte = 0x00 // Used as part of P300SYN
	SOH byte = 0x01 // Start of heading - used for start of KW frame
	EOT byte = 0x04 // End of transmission - also used similar to a reset from P300 to KW
	ENQ byte = 0x05 // "ping" in KW mode
	ACK byte = 0x06 // Acknowledge in P300
	NAK byte = 0x15 // Negative acknowledge in P300
	SYN byte = 0x16 // Start of sync sequence SYN NUL NUL in P300, switches also from KW to P300
	SO3 byte = 0x41 // Start of frame in P300, ASCII "A"
)

// p300Sync switches the device into P300 mode
var p300Sync = []byte{SYN, NUL, NUL}

// CommandType is the function byte of a request.
// KW uses kw..., P300 p300 command types
type CommandType byte

const (
	P300ReadData  CommandType = 0x01
	P300WriteData CommandType = 0x02

	KwRead  CommandType = 0xf7 // The "normal" read type for KW
	KwWrite CommandType = 0xf4 // The "normal" write type for KW
)

// IsWrite reports whether c writes to the device
func (c CommandType) IsWrite() bool {
	return c == P300WriteData || c == KwWrite
}

func (c CommandType) String() string {
	switch c {
	case P300ReadData:
		return "P300ReadData"
	case P300WriteData:
		return "P300WriteData"
	case KwRead:
		return "KwRead"
	case KwWrite:
		return "KwWrite"
	}
	return fmt.Sprintf("CommandType(%#02x)", byte(c))
}

// Address is a 16 bit Optolink address
type Address uint16

// Bytes returns the address in wire order (high byte first)
func (a Address) Bytes() [2]byte {
	return [2]byte{byte(a >> 8), byte(a)}
}

func (a Address) String() string {
	return fmt.Sprintf("0x%04X", uint16(a))
}

// MarshalJSON renders the address as a hex string
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"0x%04X\"", uint16(a))), nil
}

// MaxDataLength is the largest block a single request may carry
const MaxDataLength = 32

// Request is a single read or write exchange with the device
type Request struct {
	ID      uuid.UUID
	Write   bool
	Address Address
	Length  uint8
	Data    []byte
}

// ReadRequest builds a request reading length bytes at addr
func ReadRequest(addr Address, length uint8) Request {
	return Request{ID: uuid.New(), Address: addr, Length: length}
}

// WriteRequest builds a request writing data at addr
func WriteRequest(addr Address, data []byte) Request {
	return Request{ID: uuid.New(), Write: true, Address: addr, Length: uint8(len(data)), Data: data}
}

func (r Request) validate() error {
	if r.Length == 0 || r.Length > MaxDataLength {
		return fmt.Errorf("request length %d out of range 1..%d", r.Length, MaxDataLength)
	}
	if r.Write && len(r.Data) != int(r.Length) {
		return fmt.Errorf("write request carries %d bytes, length is %d", len(r.Data), r.Length)
	}
	return nil
}

// State is the phase of the exchange in progress
type State byte

const (
	Idle State = iota
	Handshake
	Syncing
	SendingRequest
	AwaitingResponse
	Validating
	Done
	Retry
	Failed
)

var stateNames = [...]string{"Idle", "Handshake", "Syncing", "SendingRequest", "AwaitingResponse", "Validating", "Done", "Retry", "Failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", byte(s))
}

// Session is the live state of an exchange
type Session struct {
	Phase         State
	BytesSent     int
	BytesExpected int
	RetryCount    int
	LastActivity  time.Time
}

// Transport is the byte stream the protocols talk over. Device implements it.
type Transport interface {
	Write(b []byte) (int, error)
	// ReadTimeout returns up to max bytes, fewer if timeout elapses first
	ReadTimeout(max int, timeout time.Duration) ([]byte, error)
	Available() int
	Flush()
}

// Protocol runs request/response exchanges over a Transport
type Protocol interface {
	Name() string
	Exchange(req Request) ([]byte, error)
	// Session returns a snapshot of the current or last exchange
	Session() Session
}

// Kind selects one of the supported protocols
type Kind int

const (
	KindP300 Kind = iota + 1
	KindKW
)

func (k Kind) String() string {
	switch k {
	case KindP300:
		return "P300"
	case KindKW:
		return "KW"
	}
	return "unknown"
}

// ParseKind maps a configuration string to a protocol Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P300":
		return KindP300, nil
	case "KW":
		return KindKW, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, s)
}

// Options holds the timing parameters shared by both protocols
type Options struct {
	Retries         int
	ResetTimeout    time.Duration // waiting for ENQ after EOT
	AckTimeout      time.Duration // waiting for ACK to a sync or request
	ResponseTimeout time.Duration // waiting for a complete reply
	SyncInterval    time.Duration // P300: resync after this much idle time
	EnqTimeout      time.Duration // KW: waiting for ENQ
	BurstWindow     time.Duration // KW: send without ENQ if the previous reply is younger
	Logger          *log.Entry
}

// Option is a functional option for NewProtocol
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Retries:         3,
		ResetTimeout:    2500 * time.Millisecond,
		AckTimeout:      500 * time.Millisecond,
		ResponseTimeout: 1 * time.Second,
		SyncInterval:    10 * time.Second,
		EnqTimeout:      3 * time.Second,
		BurstWindow:     50 * time.Millisecond,
		Logger:          log.NewEntry(log.StandardLogger()),
	}
}

// WithRetries sets the retry ceiling per exchange
func WithRetries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Retries = n
		}
	}
}

// WithTimeouts overrides the ack and response timeouts
func WithTimeouts(ack, response time.Duration) Option {
	return func(o *Options) {
		if ack > 0 {
			o.AckTimeout = ack
		}
		if response > 0 {
			o.ResponseTimeout = response
		}
	}
}

// WithResetTimeout sets how long to wait for ENQ after sending EOT
func WithResetTimeout(d time.Duration) Option {
	return func(o *Options) { o.ResetTimeout = d }
}

// WithEnqTimeout sets how long KW waits for the device's ENQ
func WithEnqTimeout(d time.Duration) Option {
	return func(o *Options) { o.EnqTimeout = d }
}

// WithSyncInterval sets the P300 keep-alive interval
func WithSyncInterval(d time.Duration) Option {
	return func(o *Options) { o.SyncInterval = d }
}

// WithBurstWindow sets the KW burst window
func WithBurstWindow(d time.Duration) Option {
	return func(o *Options) { o.BurstWindow = d }
}

// WithLogger sets the log entry used by the protocol
func WithLogger(l *log.Entry) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// NewProtocol returns the protocol implementation for kind talking over t
func NewProtocol(kind Kind, t Transport, opts ...Option) (Protocol, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.Logger = o.Logger.WithField("protocol", kind.String())

	switch kind {
	case KindP300:
		return newP300(t, o), nil
	case KindKW:
		return newKW(t, o), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedProtocol, kind)
}

// Crc8 computes the P300 checksum, the sum of all bytes modulo 256
func Crc8(b []byte) byte {
	crc := byte(0)
	for i := 0; i < len(b); i++ {
		crc += b[i]
	}
	return crc
}

// session tracks and logs phase transitions
type session struct {
	Session
	log *log.Entry
}

func (s *session) enter(phase State) {
	if s.Phase != phase {
		s.log.Debugf("State changed: %v --> %v", s.Phase, phase)
	}
	s.Phase = phase
	s.LastActivity = time.Now()
}

func (s *session) begin(expected int) {
	s.Session = Session{Phase: Idle, BytesExpected: expected, LastActivity: time.Now()}
}
