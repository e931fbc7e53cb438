package optolink

import (
	"sync"
	"time"
)

// fakeLink is a Transport whose replies are produced synchronously by a
// scripted device, so tests never wait for timeouts.
type fakeLink struct {
	mu      sync.Mutex
	rx      []byte
	writes  [][]byte
	respond func(w []byte) []byte
	idle    func() []byte
	fail    func(w []byte) error
}

func (f *fakeLink) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := append([]byte(nil), b...)
	f.writes = append(f.writes, w)
	if f.fail != nil {
		if err := f.fail(w); err != nil {
			return 0, err
		}
	}
	if f.respond != nil {
		f.rx = append(f.rx, f.respond(w)...)
	}
	return len(b), nil
}

func (f *fakeLink) ReadTimeout(max int, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rx) == 0 && f.idle != nil {
		f.rx = append(f.rx, f.idle()...)
	}
	n := max
	if n > len(f.rx) {
		n = len(f.rx)
	}
	out := append([]byte(nil), f.rx[:n]...)
	f.rx = f.rx[n:]
	return out, nil
}

func (f *fakeLink) Available() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rx)
}

func (f *fakeLink) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx = nil
}

// inject queues bytes as if the device had sent them unasked
func (f *fakeLink) inject(b ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx = append(f.rx, b...)
}

// written returns all writes starting with first
func (f *fakeLink) written(first byte) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var r [][]byte
	for _, w := range f.writes {
		if len(w) > 0 && w[0] == first {
			r = append(r, w)
		}
	}
	return r
}

// p300Device emulates a Vitotronic speaking P300
type p300Device struct {
	mem        map[Address][]byte
	ackSync    bool
	badCRC     int // number of replies sent with a broken checksum
	badStart   int // number of replies sent with a broken start byte
	nak        int // number of requests refused
	errorReply bool
}

func newP300Device() *p300Device {
	return &p300Device{mem: map[Address][]byte{}, ackSync: true}
}

func (d *p300Device) respond(w []byte) []byte {
	switch {
	case len(w) == 1 && w[0] == EOT:
		return []byte{ENQ}
	case len(w) == 3 && w[0] == SYN && w[1] == NUL && w[2] == NUL:
		if d.ackSync {
			return []byte{ACK}
		}
		return nil
	case len(w) >= 8 && w[0] == SO3:
		return d.reply(w)
	}
	return nil
}

func (d *p300Device) reply(w []byte) []byte {
	if d.nak > 0 {
		d.nak--
		return []byte{NAK}
	}
	addr := Address(uint16(w[4])<<8 | uint16(w[5]))
	n := w[6]
	typ := p300Response
	if d.errorReply {
		typ = p300Error
	}
	var frame []byte
	if CommandType(w[3]) == P300WriteData {
		d.mem[addr] = append([]byte(nil), w[7:7+int(n)]...)
		frame = []byte{SO3, 5, typ, w[3], w[4], w[5], n}
	} else {
		data := make([]byte, n)
		copy(data, d.mem[addr])
		frame = append([]byte{SO3, byte(5 + n), typ, w[3], w[4], w[5], n}, data...)
	}
	crc := Crc8(frame[1:])
	if d.badCRC > 0 {
		d.badCRC--
		crc ^= 0xff
	}
	if d.badStart > 0 {
		d.badStart--
		frame[0] = 0x42
	}
	return append(append([]byte{ACK}, frame...), crc)
}

// kwDevice emulates a Vitotronic speaking KW
type kwDevice struct {
	mem      map[Address][]byte
	truncate bool
	writeErr bool
	silent   bool
}

func newKWDevice() *kwDevice {
	return &kwDevice{mem: map[Address][]byte{}}
}

func (d *kwDevice) idle() []byte {
	if d.silent {
		return nil
	}
	return []byte{ENQ}
}

func (d *kwDevice) respond(w []byte) []byte {
	if d.silent {
		return nil
	}
	if len(w) > 1 && w[0] == SOH {
		w = w[1:]
	}
	if len(w) < 4 {
		return nil
	}
	addr := Address(uint16(w[1])<<8 | uint16(w[2]))
	n := int(w[3])
	switch CommandType(w[0]) {
	case KwRead:
		data := make([]byte, n)
		copy(data, d.mem[addr])
		if d.truncate {
			return data[:n-1]
		}
		return data
	case KwWrite:
		if d.writeErr {
			return []byte{0x15}
		}
		d.mem[addr] = append([]byte(nil), w[4:4+n]...)
		return []byte{0x00}
	}
	return nil
}
