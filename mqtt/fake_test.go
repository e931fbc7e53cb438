package mqtt

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

type message struct {
	topic   string
	payload interface{}
	retain  bool
}

// fakePaho records publishes and subscriptions
type fakePaho struct {
	mu        sync.Mutex
	published []message
	subs      map[string]mqtt.MessageHandler
	connected bool
}

func newFakePaho() *fakePaho {
	return &fakePaho{subs: map[string]mqtt.MessageHandler{}}
}

func (f *fakePaho) Connect() mqtt.Token {
	f.connected = true
	return doneToken{}
}

func (f *fakePaho) Disconnect(uint) { f.connected = false }

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, message{topic, payload, retained})
	return doneToken{}
}

func (f *fakePaho) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = callback
	return doneToken{}
}

func (f *fakePaho) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.published...)
}

func (f *fakePaho) last(topic string) (message, bool) {
	msgs := f.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].topic == topic {
			return msgs[i], true
		}
	}
	return message{}, false
}

type write struct {
	name string
	v    interface{}
}

// fakeWriter stands in for the hub
type fakeWriter struct {
	mu     sync.Mutex
	writes []write
	err    error
}

func (w *fakeWriter) Write(ctx context.Context, name string, v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, write{name, v})
	return w.err
}
