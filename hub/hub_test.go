package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speters/vitoconnect/datapoint"
	"github.com/speters/vitoconnect/optolink"
)

func exhausted(cause error) error {
	return &optolink.RetriesExhaustedError{Op: "read", Attempts: 3, Err: cause}
}

func testRegistry(t *testing.T) *datapoint.Registry {
	t.Helper()
	r := datapoint.NewRegistry()
	r.MustRegister(datapoint.Descriptor{Name: "outside", Address: 0x5525, Length: 2, Kind: datapoint.Sensor, DivRatio: 10})
	r.MustRegister(datapoint.Descriptor{Name: "boiler", Address: 0x0810, Length: 2, Kind: datapoint.Sensor, DivRatio: 10})
	r.MustRegister(datapoint.Descriptor{Name: "burner", Address: 0x551e, Length: 1, Kind: datapoint.BinarySensor})
	r.MustRegister(datapoint.Descriptor{Name: "setpoint", Address: 0x2306, Length: 1, Kind: datapoint.Number, DivRatio: 1, Min: 3, Max: 37, Step: 1})
	r.MustRegister(datapoint.Descriptor{Name: "pump", Address: 0x2323, Length: 1, Kind: datapoint.Switch})
	return r
}

func TestPollOnceOrderDespiteFailures(t *testing.T) {
	assert := assert.New(t)

	p := newFakeProtocol()
	p.mem[0x5525] = []byte{0x64, 0x00}
	p.mem[0x551e] = []byte{0x01}
	p.fail[0x0810] = exhausted(optolink.ErrChecksumMismatch)
	p.fail[0x2306] = exhausted(optolink.ErrTransportTimeout)
	rec := &recorder{}
	h := New(p, testRegistry(t), WithPublisher(rec))

	r := h.PollOnce(context.Background())
	assert.Equal(5, r.Polled)
	assert.Equal(2, r.Failed())
	assert.Contains(r.Failures, "boiler")
	assert.Contains(r.Failures, "setpoint")

	var addrs []optolink.Address
	for _, req := range p.sent() {
		assert.False(req.Write)
		addrs = append(addrs, req.Address)
	}
	assert.Equal([]optolink.Address{0x5525, 0x0810, 0x551e, 0x2306, 0x2323}, addrs)

	assert.Equal([]published{{"outside", 10.0}, {"burner", true}, {"pump", false}}, rec.all())
	assert.Equal(r, h.LastReport())
}

func TestPollFailureKeepsValue(t *testing.T) {
	assert := assert.New(t)

	p := newFakeProtocol()
	p.mem[0x0810] = []byte{0xfa, 0x00}
	rec := &recorder{}
	h := New(p, testRegistry(t), WithPublisher(rec))

	h.PollOnce(context.Background())
	v, _, err := h.Read("boiler")
	require.NoError(t, err)
	assert.Equal(25.0, v)

	p.fail[0x0810] = exhausted(optolink.ErrChecksumMismatch)
	p.mem[0x0810] = []byte{0x00, 0x01}
	h.PollOnce(context.Background())

	v, _, err = h.Read("boiler")
	require.NoError(t, err)
	assert.Equal(25.0, v)

	dp, _ := h.Registry().Lookup("boiler")
	n, lastErr := dp.Failures()
	assert.Equal(1, n)
	assert.True(errors.Is(lastErr, optolink.ErrRetriesExhausted))
}

func TestWritePriority(t *testing.T) {
	assert := assert.New(t)

	p := newFakeProtocol()
	rec := &recorder{}
	h := New(p, testRegistry(t), WithPublisher(rec))

	errc := make(chan error, 1)
	go func() { errc <- h.Write(context.Background(), "setpoint", 21.4) }()
	require.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, time.Millisecond)

	r := h.PollOnce(context.Background())
	require.NoError(t, <-errc)
	assert.Equal(1, r.Writes)

	sent := p.sent()
	require.Len(t, sent, 6)
	assert.True(sent[0].Write, "the queued write goes out before the next poll step")
	assert.Equal(optolink.Address(0x2306), sent[0].Address)
	assert.Equal([]byte{21}, sent[0].Data)

	assert.Equal(published{"setpoint", 21.0}, rec.all()[0])
}

func writesSent(p *fakeProtocol) int {
	n := 0
	for _, req := range p.sent() {
		if req.Write {
			n++
		}
	}
	return n
}

func TestAbandonedWriteIsDropped(t *testing.T) {
	assert := assert.New(t)

	p := newFakeProtocol()
	h := New(p, testRegistry(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Write(ctx, "pump", true)
	assert.True(errors.Is(err, context.DeadlineExceeded))
	assert.Equal(1, h.Pending())

	r := h.PollOnce(context.Background())
	assert.Equal(0, r.Writes)
	assert.Equal(0, h.Pending())
	assert.Equal(0, writesSent(p))
	assert.Nil(p.mem[0x2323])

	v, _, err := h.Read("pump")
	require.NoError(t, err)
	assert.Equal(false, v)
}

// gatedProtocol holds its first exchange until gate is closed
type gatedProtocol struct {
	*fakeProtocol
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedProtocol) Exchange(req optolink.Request) ([]byte, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.gate
	})
	return g.fakeProtocol.Exchange(req)
}

func TestWriteGivenUpWhileLineBusy(t *testing.T) {
	p := &gatedProtocol{fakeProtocol: newFakeProtocol(), entered: make(chan struct{}), gate: make(chan struct{})}
	h := New(p, testRegistry(t), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	<-p.entered
	wctx, wcancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer wcancel()
	err := h.Write(wctx, "pump", true)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(p.gate)
	require.Eventually(t, func() bool { return h.LastReport().Polled == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, writesSent(p.fakeProtocol), "nothing is written after the caller gave up")
	assert.Equal(t, 0, h.Pending())
}

func TestWriteOutOfRangeSendsNothing(t *testing.T) {
	p := newFakeProtocol()
	h := New(p, testRegistry(t))

	err := h.Write(context.Background(), "setpoint", 50)
	assert.True(t, errors.Is(err, datapoint.ErrWriteOutOfRange))
	assert.Equal(t, 0, h.Pending())
	assert.Empty(t, p.sent())

	err = h.Write(context.Background(), "outside", 1)
	assert.True(t, errors.Is(err, datapoint.ErrNotWritable))
	err = h.Write(context.Background(), "nope", 1)
	assert.True(t, errors.Is(err, datapoint.ErrUnknownDatapoint))
	assert.Empty(t, p.sent())
}

func TestWriteFailureKeepsValue(t *testing.T) {
	p := newFakeProtocol()
	p.mem[0x2323] = []byte{0x01}
	h := New(p, testRegistry(t))
	h.PollOnce(context.Background())

	p.fail[0x2323] = exhausted(optolink.ErrNak)
	errc := make(chan error, 1)
	go func() { errc <- h.Write(context.Background(), "pump", "OFF") }()
	require.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, time.Millisecond)
	h.drain()

	err := <-errc
	assert.True(t, errors.Is(err, optolink.ErrNak))
	v, _, err := h.Read("pump")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestRunServesWritesAndRefresh(t *testing.T) {
	assert := assert.New(t)

	p := newFakeProtocol()
	p.mem[0x5525] = []byte{0x64, 0x00}
	h := New(p, testRegistry(t), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.NoError(t, h.Write(ctx, "pump", true))
	assert.Equal([]byte{0x01}, p.mem[0x2323])
	v, _, err := h.Read("pump")
	require.NoError(t, err)
	assert.Equal(true, v)

	p.mu.Lock()
	p.mem[0x5525] = []byte{0x6e, 0x00}
	p.mu.Unlock()
	v, err = h.Refresh(ctx, "outside")
	require.NoError(t, err)
	assert.Equal(11.0, v)

	assert.True(h.Registry().Sealed())

	cancel()
	select {
	case err := <-done:
		assert.True(errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestReadBeforePoll(t *testing.T) {
	h := New(newFakeProtocol(), testRegistry(t))
	_, _, err := h.Read("outside")
	assert.True(t, errors.Is(err, ErrNoValue))
}

func TestPollOnceCancelled(t *testing.T) {
	p := newFakeProtocol()
	h := New(p, testRegistry(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := h.PollOnce(ctx)
	assert.Equal(t, 0, r.Polled)
	assert.Empty(t, p.sent())
}

func TestMetrics(t *testing.T) {
	assert := assert.New(t)

	p := newFakeProtocol()
	p.mem[0x5525] = []byte{0x64, 0x00}
	p.fail[0x0810] = exhausted(optolink.ErrTransportTimeout)
	m := NewMetrics(prometheus.NewRegistry())
	h := New(p, testRegistry(t), WithMetrics(m))

	h.PollOnce(context.Background())
	assert.Equal(1.0, testutil.ToFloat64(m.cycles))
	assert.Equal(1.0, testutil.ToFloat64(m.cycleFailures))
	assert.Equal(4.0, testutil.ToFloat64(m.exchanges.WithLabelValues("read", "ok")))
	assert.Equal(1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("read", "retries_exhausted")))
	assert.Equal(10.0, testutil.ToFloat64(m.values.WithLabelValues("outside", "sensor")))

	h.Write(context.Background(), "setpoint", 100)
	assert.Equal(1.0, testutil.ToFloat64(m.rejects))
}

// The KW scenario from the vendor documentation: 0x00F8 holds 250 in
// big-endian order, which is 25.0 with a divisor of 10.
func TestKWSensorScenario(t *testing.T) {
	link := &scriptLink{
		idle: func() []byte { return []byte{optolink.ENQ} },
		respond: func(w []byte) []byte {
			if fmt.Sprintf("% x", w) == "01 f7 00 f8 02" {
				return []byte{0x00, 0xfa}
			}
			return nil
		},
	}
	proto, err := optolink.NewProtocol(optolink.KindKW, link)
	require.NoError(t, err)

	r := datapoint.NewRegistry()
	r.MustRegister(datapoint.Descriptor{Name: "temp", Address: 0x00f8, Length: 2, Kind: datapoint.Sensor, DivRatio: 10, ByteOrder: datapoint.BigEndian})
	rec := &recorder{}
	h := New(proto, r, WithPublisher(rec))

	rep := h.PollOnce(context.Background())
	assert.Equal(t, 0, rep.Failed())
	assert.Equal(t, []published{{"temp", 25.0}}, rec.all())
}

func TestP300HandshakeFailureScenario(t *testing.T) {
	assert := assert.New(t)

	link := &scriptLink{
		respond: func(w []byte) []byte {
			if len(w) == 1 && w[0] == optolink.EOT {
				return []byte{optolink.ENQ}
			}
			// SYN NUL NUL is never acknowledged
			return nil
		},
	}
	proto, err := optolink.NewProtocol(optolink.KindP300, link, optolink.WithTimeouts(10*time.Millisecond, 10*time.Millisecond))
	require.NoError(t, err)
	rec := &recorder{}
	h := New(proto, testRegistry(t), WithPublisher(rec))

	rep := h.PollOnce(context.Background())
	assert.Equal(5, rep.Polled)
	assert.Equal(5, rep.Failed())
	for _, err := range rep.Failures {
		assert.True(errors.Is(err, optolink.ErrRetriesExhausted))
	}
	assert.Equal(15, link.count(optolink.SYN))
	assert.Equal(0, link.count(optolink.SO3))
	assert.Empty(rec.all())
}
