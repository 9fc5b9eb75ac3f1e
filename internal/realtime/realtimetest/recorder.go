// Package realtimetest provides an in-memory Handle for tests.
package realtimetest

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"directline/internal/model"
)

// ErrPushRejected is returned by a Recorder configured to fail.
var ErrPushRejected = errors.New("realtimetest: push rejected")

// Recorder is a Handle that keeps every pushed event.
type Recorder struct {
	id string

	mu     sync.Mutex
	events []model.Event
	fail   bool
	closed bool
	notify chan struct{}
}

// NewRecorder returns an open recorder with a random id.
func NewRecorder() *Recorder {
	return &Recorder{id: uuid.NewString(), notify: make(chan struct{}, 1)}
}

// NewFailing returns a recorder whose pushes always fail.
func NewFailing() *Recorder {
	r := NewRecorder()
	r.fail = true
	return r
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Push(ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail || r.closed {
		return ErrPushRejected
	}
	r.events = append(r.events, ev)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(typ string) []model.Event {
	var out []model.Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Pushed is signalled after each successful push.
func (r *Recorder) Pushed() <-chan struct{} { return r.notify }
