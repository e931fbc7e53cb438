package optolink

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// kw implements the legacy KW protocol. The device announces readiness with
// ENQ about every two seconds; the master answers SOH directly followed by
// the request. Requests following a reply within the burst window go out
// without waiting for the next ENQ.
type kw struct {
	t   Transport
	opt Options
	log *log.Entry
	s   session

	lastReply time.Time
}

func newKW(t Transport, o Options) *kw {
	return &kw{t: t, opt: o, log: o.Logger, s: session{log: o.Logger}}
}

func (k *kw) Name() string { return "KW" }

func (k *kw) Session() Session { return k.s.Session }

// kwFrame prepares a KW byte sequence from a request
func kwFrame(req Request) []byte {
	a := req.Address.Bytes()
	if req.Write {
		b := []byte{byte(KwWrite), a[0], a[1], byte(len(req.Data))}
		return append(b, req.Data...)
	}
	return []byte{byte(KwRead), a[0], a[1], req.Length}
}

// Exchange sends req and returns the data of the reply, nil for writes
func (k *kw) Exchange(req Request) ([]byte, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	l := k.log.WithFields(log.Fields{"request": req.ID.String(), "address": req.Address})

	frame := kwFrame(req)
	expect := int(req.Length)
	if req.Write {
		// Should return 0x00 on successful write
		expect = 1
	}
	k.s.begin(expect)

	var lastErr error
	for attempt := 1; attempt <= k.opt.Retries; attempt++ {
		k.s.RetryCount = attempt - 1

		data, err := k.transact(req, frame, expect)
		if err == nil {
			k.s.enter(Done)
			return data, nil
		}
		if errors.Is(err, ErrLinkClosed) {
			k.s.enter(Failed)
			return nil, err
		}
		lastErr = err
		// a broken reply ends the burst, wait for ENQ again
		k.lastReply = time.Time{}
		l.Warnf("Attempt %d/%d failed: %v", attempt, k.opt.Retries, err)
		k.s.enter(Retry)
	}

	k.s.enter(Failed)
	op := "KW read"
	if req.Write {
		op = "KW write"
	}
	return nil, &RetriesExhaustedError{Op: fmt.Sprintf("%s %v", op, req.Address), Attempts: k.opt.Retries, Err: lastErr}
}

func (k *kw) transact(req Request, frame []byte, expect int) ([]byte, error) {
	burst := !k.lastReply.IsZero() && time.Since(k.lastReply) < k.opt.BurstWindow
	if burst {
		k.t.Flush()
	} else {
		k.s.enter(Syncing)
		if err := k.awaitEnq(); err != nil {
			return nil, err
		}
		frame = append([]byte{SOH}, frame...)
	}

	k.s.enter(SendingRequest)
	n, err := k.t.Write(frame)
	k.s.BytesSent = n
	if err != nil {
		return nil, err
	}

	k.s.enter(AwaitingResponse)
	b, err := k.t.ReadTimeout(expect, k.opt.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	if len(b) < expect {
		k.t.Flush()
		return nil, fmt.Errorf("%w: received %d of %d bytes", ErrTransportTimeout, len(b), expect)
	}

	k.s.enter(Validating)
	k.lastReply = time.Now()
	if req.Write {
		if b[0] != 0x00 {
			return nil, framingErrorf("kwWrite returned %#02x, expected 0x00", b[0])
		}
		return nil, nil
	}
	return b, nil
}

// awaitEnq waits for a fresh ENQ. Without one the device may still be in
// P300 mode, so it is reset with EOT and given another chance.
func (k *kw) awaitEnq() error {
	k.t.Flush()

	ok, _, err := awaitEnqSkipping(k.t, k.opt.EnqTimeout)
	if err != nil || ok {
		return err
	}

	k.log.Debugf("No ENQ received, sending EOT")
	if _, err := k.t.Write([]byte{EOT}); err != nil {
		return err
	}
	ok, _, err = awaitEnqSkipping(k.t, k.opt.ResetTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no ENQ from device", ErrTransportTimeout)
	}
	return nil
}

// awaitEnqSkipping waits for ENQ, ignoring anything else on the line
func awaitEnqSkipping(t Transport, timeout time.Duration) (bool, []byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, b, err := awaitByte(t, ENQ, time.Until(deadline))
		if err != nil || ok || b == nil {
			return ok, b, err
		}
	}
}
