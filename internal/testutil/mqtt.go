package testutil

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Published is one message sent through FakeMQTT.
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakeMQTT is an in-memory mqtt.Client. Methods the daemon does not call
// are left to the embedded nil interface.
type FakeMQTT struct {
	mqtt.Client

	mu         sync.Mutex
	connected  bool
	published  []Published
	handlers   map[string]mqtt.MessageHandler
	publishErr error
	hold       chan struct{}
}

// NewFakeMQTT returns a connected fake client.
func NewFakeMQTT() *FakeMQTT {
	return &FakeMQTT{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

// FailPublish makes subsequent publishes complete with err.
func (f *FakeMQTT) FailPublish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// HoldPublishes records subsequent publishes but leaves their tokens pending
// until release is called.
func (f *FakeMQTT) HoldPublishes() (release func()) {
	hold := make(chan struct{})
	f.mu.Lock()
	f.hold = hold
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.hold == hold {
				f.hold = nil
			}
			f.mu.Unlock()
			close(hold)
		})
	}
}

func (f *FakeMQTT) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeMQTT) IsConnectionOpen() bool { return f.IsConnected() }

func (f *FakeMQTT) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *FakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return &Token{Err: f.publishErr}
	}
	f.published = append(f.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: body})
	return &Token{done: f.hold}
}

func (f *FakeMQTT) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = callback
	return &Token{}
}

func (f *FakeMQTT) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return &Token{}
}

// Subscribed reports whether a handler is registered for topic.
func (f *FakeMQTT) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

// Deliver hands payload to the handler subscribed on topic.
func (f *FakeMQTT) Deliver(topic string, payload []byte, retained bool) bool {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(f, &Message{TopicName: topic, Body: payload, IsRetained: retained})
	return true
}

// Published returns every message published so far.
func (f *FakeMQTT) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Published(nil), f.published...)
}

// PublishedTo returns messages published on topic.
func (f *FakeMQTT) PublishedTo(topic string) []Published {
	var out []Published
	for _, p := range f.Published() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Token is an mqtt.Token. It is complete unless created while publishes
// are held.
type Token struct {
	Err  error
	done <-chan struct{}
}

func (t *Token) Wait() bool {
	if t.done != nil {
		<-t.done
	}
	return true
}

func (t *Token) WaitTimeout(d time.Duration) bool {
	if t.done == nil {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

func (t *Token) Error() error { return t.Err }

func (t *Token) Done() <-chan struct{} {
	if t.done != nil {
		return t.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Message is an inbound mqtt.Message.
type Message struct {
	TopicName  string
	Body       []byte
	IsRetained bool
	IsDup      bool
}

func (m *Message) Duplicate() bool   { return m.IsDup }
func (m *Message) Qos() byte         { return 1 }
func (m *Message) Retained() bool    { return m.IsRetained }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 1 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}
