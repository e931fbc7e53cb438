package optolink

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// P300 telegram types
const (
	p300Request  byte = 0x00
	p300Response byte = 0x01
	p300Error    byte = 0x03
)

// p300 implements the framed P300 protocol. The device has to be switched
// from KW to P300 with a SYN NUL NUL handshake, which is kept alive by
// regular traffic and renewed after errors or longer idle periods.
type p300 struct {
	t   Transport
	opt Options
	log *log.Entry
	s   session

	synced   bool
	lastSync time.Time
}

func newP300(t Transport, o Options) *p300 {
	return &p300{t: t, opt: o, log: o.Logger, s: session{log: o.Logger}}
}

func (p *p300) Name() string { return "P300" }

func (p *p300) Session() Session { return p.s.Session }

// p300Frame prepares a P300 telegram from a request
func p300Frame(req Request) []byte {
	a := req.Address.Bytes()
	var b []byte
	if req.Write {
		b = []byte{SO3, byte(len(req.Data) + 5), p300Request, byte(P300WriteData), a[0], a[1], byte(len(req.Data))}
		b = append(b, req.Data...)
	} else {
		b = []byte{SO3, 5, p300Request, byte(P300ReadData), a[0], a[1], req.Length}
	}
	crc := Crc8(b[1:]) // Omit start byte
	return append(b, crc)
}

// Exchange sends req and returns the data of the reply, nil for writes
func (p *p300) Exchange(req Request) ([]byte, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	l := p.log.WithFields(log.Fields{"request": req.ID.String(), "address": req.Address})

	frame := p300Frame(req)
	replyLen := 8 // ACK, start, len, type, cmd, addr, addr, dlen ... crc
	if !req.Write {
		replyLen += int(req.Length)
	}
	p.s.begin(replyLen + 1)

	var lastErr error
	for attempt := 1; attempt <= p.opt.Retries; attempt++ {
		p.s.RetryCount = attempt - 1

		if !p.synced || time.Since(p.lastSync) > p.opt.SyncInterval {
			if err := p.handshake(); err != nil {
				p.s.enter(Failed)
				l.Errorf("P300 handshake failed: %v", err)
				return nil, err
			}
		}

		data, err := p.transact(req, frame)
		if err == nil {
			p.s.enter(Done)
			p.lastSync = time.Now()
			return data, nil
		}
		if errors.Is(err, ErrLinkClosed) {
			p.s.enter(Failed)
			return nil, err
		}
		lastErr = err
		l.Warnf("Attempt %d/%d failed: %v", attempt, p.opt.Retries, err)
		p.s.enter(Retry)
	}

	p.s.enter(Failed)
	op := "P300 read"
	if req.Write {
		op = "P300 write"
	}
	return nil, &RetriesExhaustedError{Op: fmt.Sprintf("%s %v", op, req.Address), Attempts: p.opt.Retries, Err: lastErr}
}

// reset sends EOT, which drops the device back to KW mode. The device then
// starts sending ENQ; its absence is tolerated.
func (p *p300) reset() error {
	p.t.Flush()
	if _, err := p.t.Write([]byte{EOT}); err != nil {
		return err
	}
	ok, _, err := awaitByte(p.t, ENQ, p.opt.ResetTimeout)
	if err != nil {
		return err
	}
	if !ok {
		p.log.Debugf("No ENQ after reset")
	}
	return nil
}

// handshake switches the device into P300 mode
func (p *p300) handshake() error {
	p.s.enter(Handshake)
	p.synced = false

	var lastErr error
	for attempt := 1; attempt <= p.opt.Retries; attempt++ {
		if err := p.reset(); err != nil {
			return err
		}
		if _, err := p.t.Write(p300Sync); err != nil {
			return err
		}
		ok, b, err := awaitByte(p.t, ACK, p.opt.AckTimeout, ENQ)
		if err != nil {
			return err
		}
		if ok {
			p.synced = true
			p.lastSync = time.Now()
			return nil
		}
		if b == nil {
			lastErr = fmt.Errorf("%w: no ACK to sync request", ErrTransportTimeout)
		} else {
			lastErr = framingErrorf("received %#02x, expected ACK", b[0])
		}
		p.log.Debugf("Handshake attempt %d/%d failed: %v", attempt, p.opt.Retries, lastErr)
	}
	return &RetriesExhaustedError{Op: "P300 handshake", Attempts: p.opt.Retries, Err: lastErr}
}

// desync drops the line state so the next attempt starts with a handshake
func (p *p300) desync() {
	p.synced = false
	p.t.Flush()
}

func (p *p300) transact(req Request, frame []byte) ([]byte, error) {
	p.t.Flush()

	p.s.enter(SendingRequest)
	n, err := p.t.Write(frame)
	p.s.BytesSent = n
	if err != nil {
		return nil, err
	}

	p.s.enter(AwaitingResponse)
	ok, b, err := awaitByte(p.t, ACK, p.opt.AckTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		if b == nil {
			p.desync()
			return nil, fmt.Errorf("%w: request not acknowledged", ErrTransportTimeout)
		}
		if b[0] == NAK {
			return nil, ErrNak
		}
		p.desync()
		return nil, framingErrorf("received %#02x, expected ACK/NAK", b[0])
	}

	// Get frame start (0x41) and frame length
	head, err := p.t.ReadTimeout(2, p.opt.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	if len(head) < 2 {
		p.desync()
		return nil, fmt.Errorf("%w: could not get start byte and length of telegram", ErrTransportTimeout)
	}
	if head[0] != SO3 {
		p.desync()
		return nil, framingErrorf("telegram start byte %#02x, expected %#02x", head[0], SO3)
	}
	l := int(head[1])
	if l < 5 {
		p.desync()
		return nil, framingErrorf("telegram length %d too short", l)
	}
	body, err := p.t.ReadTimeout(l+1, p.opt.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	if len(body) < l+1 {
		p.desync()
		return nil, framingErrorf("declared length %d, received %d bytes", l, len(body)-1)
	}

	p.s.enter(Validating)
	telegram := append(head[1:], body...)
	crc := Crc8(telegram[:len(telegram)-1])
	if telegram[len(telegram)-1] != crc {
		p.log.Debugf("telegram='%# x' calc-crc=%x", telegram, crc)
		if _, err := p.t.Write([]byte{NAK}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: calculated %#02x, received %#02x", ErrChecksumMismatch, crc, telegram[len(telegram)-1])
	}

	// telegram: len type cmd addrHi addrLo dlen data... crc
	typ, cmd, dlen := telegram[1], CommandType(telegram[2]&0x1f), telegram[5]
	a := req.Address.Bytes()
	wantCmd := P300ReadData
	if req.Write {
		wantCmd = P300WriteData
	}

	if _, err := p.t.Write([]byte{ACK}); err != nil {
		return nil, err
	}

	switch {
	case typ == p300Error:
		return nil, ErrErrorTelegram
	case typ != p300Response:
		return nil, framingErrorf("telegram type %#02x, expected %#02x", typ, p300Response)
	case cmd != wantCmd:
		return nil, framingErrorf("command %v, expected %v", cmd, wantCmd)
	case telegram[3] != a[0] || telegram[4] != a[1]:
		return nil, framingErrorf("address %#02x%02x, expected %v", telegram[3], telegram[4], req.Address)
	case dlen != req.Length:
		return nil, framingErrorf("result length %d, expected %d", dlen, req.Length)
	}

	if req.Write {
		return nil, nil
	}
	if l != 5+int(dlen) {
		return nil, framingErrorf("telegram length %d does not carry %d data bytes", l, dlen)
	}
	data := make([]byte, dlen)
	copy(data, telegram[6:6+int(dlen)])
	return data, nil
}

// awaitByte reads single bytes until want arrives or timeout elapses. Bytes
// listed in skip are dropped; any other byte ends the wait and is returned.
func awaitByte(t Transport, want byte, timeout time.Duration, skip ...byte) (bool, []byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil, nil
		}
		b, err := t.ReadTimeout(1, remaining)
		if err != nil {
			return false, nil, err
		}
		if len(b) == 0 {
			return false, nil, nil
		}
		if b[0] == want {
			return true, b, nil
		}
		if !contains(skip, b[0]) {
			return false, b, nil
		}
	}
}

func contains(bs []byte, c byte) bool {
	for _, b := range bs {
		if b == c {
			return true
		}
	}
	return false
}
