// Package hub time-shares the Optolink line between periodic polling of
// all registered datapoints and writes requested by the platform.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/speters/vitoconnect/datapoint"
	"github.com/speters/vitoconnect/optolink"
)

// DefaultInterval between two poll cycles
const DefaultInterval = 60 * time.Second

// Publisher receives every value confirmed by the device
type Publisher interface {
	Publish(dp *datapoint.Datapoint, v interface{})
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(dp *datapoint.Datapoint, v interface{})

// Publish calls f(dp, v)
func (f PublisherFunc) Publish(dp *datapoint.Datapoint, v interface{}) { f(dp, v) }

// Report summarizes a poll cycle
type Report struct {
	Started  time.Time
	Duration time.Duration
	Polled   int
	Writes   int
	Failures map[string]error
}

// Failed returns the number of datapoints whose read failed
func (r Report) Failed() int { return len(r.Failures) }

// Hub owns the protocol. All exchanges run on the goroutine calling Run
// (or PollOnce), one at a time.
type Hub struct {
	proto    optolink.Protocol
	reg      *datapoint.Registry
	interval time.Duration
	pubs     []Publisher
	metrics  *Metrics
	log      *log.Entry

	jobs chan *job

	mu   sync.RWMutex
	last Report
}

// Option configures a Hub
type Option func(*Hub)

// WithInterval sets the poll period
func WithInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithPublisher adds a receiver for confirmed values
func WithPublisher(p Publisher) Option {
	return func(h *Hub) { h.pubs = append(h.pubs, p) }
}

// WithMetrics enables the prometheus collectors
func WithMetrics(m *Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithQueueSize bounds the number of writes waiting for the line
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.jobs = make(chan *job, n)
		}
	}
}

// WithLogger sets the log entry of the hub
func WithLogger(l *log.Entry) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// New creates a hub polling the datapoints of reg through p
func New(p optolink.Protocol, reg *datapoint.Registry, opts ...Option) *Hub {
	h := &Hub{
		proto:    p,
		reg:      reg,
		interval: DefaultInterval,
		log:      log.WithField("component", "hub"),
		jobs:     make(chan *job, 16),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddPublisher adds a receiver for confirmed values. Call it before Run.
func (h *Hub) AddPublisher(p Publisher) {
	h.pubs = append(h.pubs, p)
}

// Registry returns the datapoints served by the hub
func (h *Hub) Registry() *datapoint.Registry { return h.reg }

// Interval returns the poll period
func (h *Hub) Interval() time.Duration { return h.interval }

// Run polls immediately and then once per interval, serving writes between
// poll steps and while idle. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	h.reg.Seal()
	h.log.Infof("Polling %d datapoints every %v via %s", h.reg.Len(), h.interval, h.proto.Name())

	h.PollOnce(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.Debugf("Hub stopped: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			h.PollOnce(ctx)
		case j := <-h.jobs:
			h.execute(j)
		}
	}
}

// PollOnce reads every datapoint once, in registration order. A failed read
// leaves the value untouched and does not stop the cycle. Pending writes go
// first at every step. Must not run concurrently with Run.
func (h *Hub) PollOnce(ctx context.Context) Report {
	r := Report{Started: time.Now(), Failures: map[string]error{}}

	for _, dp := range h.reg.Points() {
		r.Writes += h.drain()
		if ctx.Err() != nil {
			break
		}
		if _, err := h.exchange(dp, optolink.ReadRequest(dp.Address, dp.Length), nil); err != nil {
			r.Failures[dp.Name] = err
		}
		r.Polled++
	}
	r.Writes += h.drain()
	r.Duration = time.Since(r.Started)

	h.metrics.cycle(r)
	if r.Failed() > 0 {
		h.log.Warnf("Poll cycle done in %v, %d of %d datapoints failed", r.Duration, r.Failed(), r.Polled)
	} else {
		h.log.Debugf("Poll cycle done in %v, %d datapoints", r.Duration, r.Polled)
	}

	h.mu.Lock()
	h.last = r
	h.mu.Unlock()
	return r
}

// LastReport returns the report of the latest poll cycle
func (h *Hub) LastReport() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// drain executes all queued jobs without waiting for new ones
func (h *Hub) drain() int {
	n := 0
	for {
		select {
		case j := <-h.jobs:
			if h.execute(j) {
				n++
			}
		default:
			return n
		}
	}
}

// exchange runs one request for dp. On success the decoded value is stored
// and published; written values are applied only after the device confirmed.
func (h *Hub) exchange(dp *datapoint.Datapoint, req optolink.Request, written []byte) (interface{}, error) {
	l := h.log.WithFields(log.Fields{"datapoint": dp.Name, "address": dp.Address})
	op := "read"
	if req.Write {
		op = "write"
	}

	start := time.Now()
	data, err := h.proto.Exchange(req)
	h.metrics.exchange(op, time.Since(start), err)
	if err != nil {
		dp.Fail(err)
		if errors.Is(err, optolink.ErrRetriesExhausted) {
			l.Warnf("%s failed: %v", op, err)
		} else {
			l.Errorf("%s failed: %v", op, err)
		}
		return nil, err
	}

	if req.Write {
		data = written
	}
	v, err := dp.Decode(data)
	if err != nil {
		dp.Fail(err)
		l.Errorf("Decoding '%# x' failed: %v", data, err)
		return nil, err
	}
	dp.Set(v)
	l.Debugf("%s %v", op, v)

	h.metrics.value(dp, v)
	for _, p := range h.pubs {
		p.Publish(dp, v)
	}
	return v, nil
}
