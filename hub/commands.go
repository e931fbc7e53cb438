package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/speters/vitoconnect/datapoint"
	"github.com/speters/vitoconnect/optolink"
)

// ErrNoValue is returned by Read before the first successful exchange
var ErrNoValue = errors.New("no value yet")

type jobResult struct {
	v   interface{}
	err error
}

// job is an exchange requested from outside the poll cycle. ctx is the
// caller's; a job whose caller gave up is dropped unsent.
type job struct {
	ctx    context.Context
	dp     *datapoint.Datapoint
	req    optolink.Request
	data   []byte
	result chan jobResult
}

// execute runs j unless its caller is gone and reports whether it did
func (h *Hub) execute(j *job) bool {
	if err := j.ctx.Err(); err != nil {
		h.log.WithField("datapoint", j.dp.Name).Debugf("Dropping queued exchange: %v", err)
		j.result <- jobResult{nil, err}
		return false
	}
	v, err := h.exchange(j.dp, j.req, j.data)
	j.result <- jobResult{v, err}
	return true
}

// submit queues j for the hub goroutine and waits for its result
func (h *Hub) submit(ctx context.Context, j *job) (interface{}, error) {
	select {
	case h.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-j.result:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write encodes v for the named datapoint and writes it to the device as
// soon as the line is free. Invalid and out of range values are rejected
// before anything is sent. The stored value changes only once the device
// acknowledged the write.
func (h *Hub) Write(ctx context.Context, name string, v interface{}) error {
	dp, err := h.reg.Lookup(name)
	if err != nil {
		return err
	}
	b, err := dp.Encode(v)
	if err != nil {
		h.metrics.rejected()
		h.log.WithFields(log.Fields{"datapoint": name, "value": v}).Warnf("Write rejected: %v", err)
		return err
	}

	j := &job{ctx: ctx, dp: dp, req: optolink.WriteRequest(dp.Address, b), data: b, result: make(chan jobResult, 1)}
	h.log.WithField("datapoint", name).Debugf("Queueing write of %v as '%# x'", v, b)
	_, err = h.submit(ctx, j)
	return err
}

// Refresh reads the named datapoint outside of the poll cycle
func (h *Hub) Refresh(ctx context.Context, name string) (interface{}, error) {
	dp, err := h.reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	j := &job{ctx: ctx, dp: dp, req: optolink.ReadRequest(dp.Address, dp.Length), result: make(chan jobResult, 1)}
	return h.submit(ctx, j)
}

// Read returns the last known value of the named datapoint
func (h *Hub) Read(name string) (interface{}, time.Time, error) {
	dp, err := h.reg.Lookup(name)
	if err != nil {
		return nil, time.Time{}, err
	}
	v, t, ok := dp.Value()
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrNoValue, name)
	}
	return v, t, nil
}

// Pending returns the number of queued writes and refreshes
func (h *Hub) Pending() int {
	return len(h.jobs)
}
