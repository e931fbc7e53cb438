package hub

import (
	"sync"
	"time"

	"github.com/speters/vitoconnect/datapoint"
	"github.com/speters/vitoconnect/optolink"
)

// fakeProtocol answers from a memory map and records every request
type fakeProtocol struct {
	mu       sync.Mutex
	mem      map[optolink.Address][]byte
	fail     map[optolink.Address]error
	requests []optolink.Request
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{mem: map[optolink.Address][]byte{}, fail: map[optolink.Address]error{}}
}

func (f *fakeProtocol) Name() string { return "fake" }

func (f *fakeProtocol) Session() optolink.Session { return optolink.Session{} }

func (f *fakeProtocol) Exchange(req optolink.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err, ok := f.fail[req.Address]; ok {
		return nil, err
	}
	if req.Write {
		f.mem[req.Address] = append([]byte(nil), req.Data...)
		return nil, nil
	}
	b := make([]byte, req.Length)
	copy(b, f.mem[req.Address])
	return b, nil
}

func (f *fakeProtocol) sent() []optolink.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]optolink.Request(nil), f.requests...)
}

type published struct {
	name string
	v    interface{}
}

// recorder is a Publisher remembering everything it got
type recorder struct {
	mu   sync.Mutex
	seen []published
}

func (r *recorder) Publish(dp *datapoint.Datapoint, v interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, published{dp.Name, v})
}

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.seen...)
}

// scriptLink is an optolink.Transport driven by a scripted device
type scriptLink struct {
	mu      sync.Mutex
	rx      []byte
	writes  [][]byte
	respond func(w []byte) []byte
	idle    func() []byte
}

func (s *scriptLink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := append([]byte(nil), b...)
	s.writes = append(s.writes, w)
	s.rx = append(s.rx, s.respond(w)...)
	return len(b), nil
}

func (s *scriptLink) ReadTimeout(max int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rx) == 0 && s.idle != nil {
		s.rx = s.idle()
	}
	if max > len(s.rx) {
		max = len(s.rx)
	}
	out := append([]byte(nil), s.rx[:max]...)
	s.rx = s.rx[max:]
	return out, nil
}

func (s *scriptLink) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rx)
}

func (s *scriptLink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx = nil
}

func (s *scriptLink) count(first byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		if len(w) > 0 && w[0] == first {
			n++
		}
	}
	return n
}
