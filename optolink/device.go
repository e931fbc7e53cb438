package optolink

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// Mode is the UART framing of the link
type Mode struct {
	Baud     int
	Size     byte
	Parity   serial.Parity
	StopBits serial.StopBits
}

// DefaultMode is the framing both KW and P300 use: 4800 baud, 8E2
var DefaultMode = Mode{Baud: 4800, Size: 8, Parity: serial.ParityEven, StopBits: serial.Stop2}

func (m Mode) String() string {
	stop := "1"
	switch m.StopBits {
	case serial.Stop1Half:
		stop = "1.5"
	case serial.Stop2:
		stop = "2"
	}
	return fmt.Sprintf("%d %d%c%s", m.Baud, m.Size, byte(m.Parity), stop)
}

const (
	rxBufferSize  = 512
	serialPollDur = 100 * time.Millisecond
)

// Device is the byte stream to a physical Optolink adapter, either a local
// serial device or a remote one exposed over TCP (e.g. ser2net).
type Device struct {
	conn         io.ReadWriteCloser
	rlock, wlock sync.Mutex

	connected bool
	isSerial  bool
	link      string
	mode      Mode

	rx   chan byte
	stop chan struct{}
	done chan struct{}
	log  *log.Entry
}

// NewDevice is the factory method to create a new Device
func NewDevice() *Device {
	return &Device{
		mode: DefaultMode,
		log:  log.WithField("component", "optolink"),
	}
}

// Connect attaches to the OptoLink device via serial device or a tcp socket
func (o *Device) Connect(link string, mode Mode) error {
	u, err := url.Parse(link)
	if err != nil {
		return err
	}

	var conn io.ReadWriteCloser
	isSerial := false
	switch u.Scheme {
	case "socket", "tcp":
		// Connect via network
		c, err := net.DialTimeout("tcp", u.Host, 10*time.Second)
		if err != nil {
			return err
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(30 * time.Second)
		}
		conn = c
	case "file", "":
		// Connect via serial
		p, err := serial.OpenPort(&serial.Config{
			Name:        u.Path,
			Baud:        mode.Baud,
			Size:        mode.Size,
			Parity:      mode.Parity,
			StopBits:    mode.StopBits,
			ReadTimeout: serialPollDur,
		})
		if err != nil {
			return err
		}
		conn = p
		isSerial = true
	default:
		return fmt.Errorf("Can not find a valid connection string in \"%v\"", link)
	}

	o.attach(conn, isSerial, link, mode)
	o.log.Infof("Connected to %v (%v)", link, mode)
	return nil
}

// Attach uses an already open connection, e.g. a net.Pipe in tests
func (o *Device) Attach(conn io.ReadWriteCloser) {
	o.attach(conn, false, "", DefaultMode)
}

func (o *Device) attach(conn io.ReadWriteCloser, isSerial bool, link string, mode Mode) {
	o.rlock.Lock()
	o.wlock.Lock()
	defer o.rlock.Unlock()
	defer o.wlock.Unlock()

	o.conn = conn
	o.isSerial = isSerial
	o.link = link
	o.mode = mode
	o.connected = true
	o.rx = make(chan byte, rxBufferSize)
	o.stop = make(chan struct{})
	o.done = make(chan struct{})

	go o.readLoop(conn, isSerial, o.rx, o.stop, o.done)
}

// readLoop pumps received bytes into rx until the connection fails or is closed
func (o *Device) readLoop(conn io.Reader, isSerial bool, rx chan<- byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(rx)

	b := make([]byte, 64)
	for {
		n, err := conn.Read(b)
		if n > 0 {
			o.log.Debugf("Read b='%# x', n=%v", b[0:n], n)
		}
		for i := 0; i < n; i++ {
			select {
			case rx <- b[i]:
			case <-stop:
				return
			}
		}
		select {
		case <-stop:
			o.log.Debugf("Closing, returning from reading loop goroutine")
			return
		default:
		}
		if err != nil {
			if isSerial && n == 0 && errors.Is(err, io.EOF) {
				// tarm/serial reports an elapsed VTIME as EOF
				continue
			}
			o.log.Errorf("Reading from link failed: %v", err)
			return
		}
	}
}

// Done is closed once the link is lost or closed
func (o *Device) Done() <-chan struct{} {
	o.rlock.Lock()
	defer o.rlock.Unlock()
	if o.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return o.done
}

// Close closes Device, closing underlying connection via serial or network
func (o *Device) Close() error {
	o.rlock.Lock()
	o.wlock.Lock()
	defer o.rlock.Unlock()
	defer o.wlock.Unlock()

	if !o.connected {
		return io.ErrClosedPipe
	}
	o.connected = false
	close(o.stop)
	return o.conn.Close()
}

// endpoint returns what Connect was last called with
func (o *Device) endpoint() (link string, mode Mode, isSerial bool) {
	o.rlock.Lock()
	defer o.rlock.Unlock()
	return o.link, o.mode, o.isSerial
}

// Mode returns the current UART framing
func (o *Device) Mode() Mode {
	_, mode, _ := o.endpoint()
	return mode
}

// Reconnect device
func (o *Device) Reconnect() error {
	link, mode, _ := o.endpoint()
	o.Close()
	return o.Connect(link, mode)
}

// SetMode reopens a serial link with a different framing. Over TCP the
// framing belongs to the remote end and the call only records it.
func (o *Device) SetMode(mode Mode) error {
	link, _, isSerial := o.endpoint()
	if !isSerial {
		o.rlock.Lock()
		o.mode = mode
		o.rlock.Unlock()
		return nil
	}
	o.Close()
	return o.Connect(link, mode)
}

func (o *Device) Write(b []byte) (int, error) {
	o.wlock.Lock()
	defer o.wlock.Unlock()
	if !o.connected {
		return 0, ErrLinkClosed
	}
	n, err := o.conn.Write(b)
	o.log.Debugf("Write b='%# x', n=%v, err=%v", b, n, err)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return n, nil
}

func (o *Device) rxChan() chan byte {
	o.rlock.Lock()
	defer o.rlock.Unlock()
	return o.rx
}

func (o *Device) serialPort() *serial.Port {
	o.rlock.Lock()
	defer o.rlock.Unlock()
	p, _ := o.conn.(*serial.Port)
	return p
}

// ReadTimeout reads up to max bytes. It returns early with what it got once
// timeout elapses; an empty result is not an error.
func (o *Device) ReadTimeout(max int, timeout time.Duration) ([]byte, error) {
	rx := o.rxChan()
	if rx == nil {
		return nil, ErrLinkClosed
	}
	if max <= 0 {
		return nil, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	a := make([]byte, 0, max)
	for len(a) < max {
		select {
		case b, ok := <-rx:
			if !ok {
				return a, ErrLinkClosed
			}
			a = append(a, b)
		case <-timer.C:
			return a, nil
		}
	}
	return a, nil
}

// Available returns the number of received bytes not yet read
func (o *Device) Available() int {
	return len(o.rxChan())
}

// Flush discards all received bytes
func (o *Device) Flush() {
	rx := o.rxChan()
	if p := o.serialPort(); p != nil {
		p.Flush()
	}
	for {
		select {
		case _, ok := <-rx:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
