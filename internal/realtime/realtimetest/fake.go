// Package realtimetest provides an in-memory push transport for tests.
// Emit delivers synchronously on the caller's goroutine, so tests observe
// handler effects without sleeping.
package realtimetest

import (
	"encoding/json"
	"sync"

	"github.com/jawaracloud/live-pairing/internal/realtime"
	"github.com/jawaracloud/live-pairing/pkg/models"
)

// Fake is an in-memory transport shared by every Conn its Dialer hands out.
type Fake struct {
	// DialErr, when set, makes the next dial fail.
	DialErr error

	mu       sync.Mutex
	nextID   int
	subs     map[string]map[int]func(data []byte)
	onStatus []func(connected bool)
	dials    int
}

// New builds an empty Fake.
func New() *Fake {
	return &Fake{subs: map[string]map[int]func(data []byte){}}
}

// Dialer returns a DialFunc backed by this Fake.
func (f *Fake) Dialer() realtime.DialFunc {
	return func(_ realtime.Credential, onStatus func(connected bool)) (realtime.Conn, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.DialErr != nil {
			return nil, f.DialErr
		}
		f.dials++
		f.onStatus = append(f.onStatus, onStatus)
		return &conn{fake: f}, nil
	}
}

// Dials reports how many connections were established.
func (f *Fake) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// Emit delivers one envelope to every subscriber of subject.
func (f *Fake) Emit(subject, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	frame, _ := json.Marshal(models.Envelope{Event: event, Data: data})

	f.mu.Lock()
	handlers := make([]func([]byte), 0, len(f.subs[subject]))
	for _, h := range f.subs[subject] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(frame)
	}
}

// EmitRaw delivers a pre-marshalled frame as-is.
func (f *Fake) EmitRaw(subject string, frame []byte) {
	f.mu.Lock()
	handlers := make([]func([]byte), 0, len(f.subs[subject]))
	for _, h := range f.subs[subject] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(frame)
	}
}

// SetConnected flips the transport status reported to every live channel.
func (f *Fake) SetConnected(connected bool) {
	f.mu.Lock()
	fns := append([]func(bool){}, f.onStatus...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

// Subscribers reports the live subscription count for subject.
func (f *Fake) Subscribers(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[subject])
}

type conn struct {
	fake   *Fake
	closed bool
}

func (c *conn) Subscribe(subject string, handler func(data []byte)) (realtime.Subscription, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	c.fake.nextID++
	id := c.fake.nextID
	if c.fake.subs[subject] == nil {
		c.fake.subs[subject] = map[int]func([]byte){}
	}
	c.fake.subs[subject][id] = handler
	return &sub{fake: c.fake, subject: subject, id: id}, nil
}

func (c *conn) IsConnected() bool { return !c.closed }

func (c *conn) Close() { c.closed = true }

type sub struct {
	fake    *Fake
	subject string
	id      int
}

func (s *sub) Unsubscribe() error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	delete(s.fake.subs[s.subject], s.id)
	return nil
}
