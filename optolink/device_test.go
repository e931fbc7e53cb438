package optolink

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"
)

// listen accepts a single connection and hands it to the test
func listen(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	c := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			c <- conn
		}
	}()
	return "tcp://" + l.Addr().String(), c
}

func TestDeviceTCP(t *testing.T) {
	assert := assert.New(t)

	link, accepted := listen(t)
	d := NewDevice()
	require.NoError(t, d.Connect(link, DefaultMode))
	defer d.Close()

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
	}
	defer peer.Close()

	n, err := d.Write([]byte{SYN, NUL, NUL})
	require.NoError(t, err)
	assert.Equal(3, n)

	buf := make([]byte, 3)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = peer.Read(buf)
	require.NoError(t, err)
	assert.Equal([]byte{SYN, NUL, NUL}, buf)

	_, err = peer.Write([]byte{ACK, 0x41, 0x42})
	require.NoError(t, err)

	b, err := d.ReadTimeout(1, time.Second)
	require.NoError(t, err)
	assert.Equal([]byte{ACK}, b)

	// short result once the timeout elapses
	b, err = d.ReadTimeout(5, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal([]byte{0x41, 0x42}, b)

	_, err = peer.Write([]byte{ENQ, ENQ})
	require.NoError(t, err)
	assert.Eventually(func() bool { return d.Available() == 2 }, time.Second, 10*time.Millisecond)
	d.Flush()
	assert.Equal(0, d.Available())
}

func TestDeviceLinkLost(t *testing.T) {
	link, accepted := listen(t)
	d := NewDevice()
	require.NoError(t, d.Connect(link, DefaultMode))
	defer d.Close()

	peer := <-accepted
	peer.Close()

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("link loss not signalled")
	}
	_, err := d.ReadTimeout(1, 100*time.Millisecond)
	assert.True(t, errors.Is(err, ErrLinkClosed))
}

func TestDeviceClosed(t *testing.T) {
	link, _ := listen(t)
	d := NewDevice()
	require.NoError(t, d.Connect(link, DefaultMode))
	require.NoError(t, d.Close())

	_, err := d.Write([]byte{EOT})
	assert.True(t, errors.Is(err, ErrLinkClosed))
	assert.Error(t, d.Close())
}

func TestDeviceBadLink(t *testing.T) {
	d := NewDevice()
	assert.Error(t, d.Connect("ftp://example.com/x", DefaultMode))

	select {
	case <-d.Done():
	default:
		t.Fatal("an unconnected device is done")
	}
}

func TestDeviceSetModeAndReconnect(t *testing.T) {
	link, accepted := listen(t)
	d := NewDevice()
	require.NoError(t, d.Connect(link, DefaultMode))
	defer d.Close()
	peer := <-accepted
	defer peer.Close()

	m := Mode{Baud: 9600, Size: 8, Parity: serial.ParityNone, StopBits: serial.Stop1}
	require.NoError(t, d.SetMode(m))
	assert.Equal(t, m, d.Mode())
	assert.Equal(t, "9600 8N1", d.Mode().String())

	// the listener backlog takes the second connection
	require.NoError(t, d.Reconnect())
	assert.Equal(t, m, d.Mode())
	select {
	case <-d.Done():
		t.Fatal("reconnected device is done")
	default:
	}
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "4800 8E2", DefaultMode.String())
}
