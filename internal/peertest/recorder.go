// Package peertest provides an in-memory Peer that records every frame it
// is sent, for exercising routing without real sockets.
package peertest

import (
	"encoding/json"
	"errors"
	"sync"

	"proctorhub/pkg/types"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("peer closed")

// Frame is a delivered frame with its data re-decoded as generic JSON.
type Frame struct {
	Event string
	Data  map[string]any
	Raw   json.RawMessage
}

// Recorder implements interfaces.Peer.
type Recorder struct {
	mu      sync.Mutex
	frames  []Frame
	closed  bool
	failing bool
	notify  chan struct{}
}

// New returns an open recorder.
func New() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1024)}
}

// Send records the frame. The data is round-tripped through JSON so tests
// assert on exactly what a client would see.
func (r *Recorder) Send(frame *types.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.failing {
		return errors.New("send failed")
	}
	raw, err := json.Marshal(frame.Data)
	if err != nil {
		return err
	}
	var data map[string]any
	_ = json.Unmarshal(raw, &data)
	r.frames = append(r.frames, Frame{Event: frame.Event, Data: data, Raw: raw})
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the recorder closed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Fail makes every subsequent Send return an error.
func (r *Recorder) Fail() {
	r.mu.Lock()
	r.failing = true
	r.mu.Unlock()
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Frames returns a copy of everything received so far.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Events returns the received event names in order.
func (r *Recorder) Events() []string {
	frames := r.Frames()
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Event
	}
	return names
}

// Count returns how many frames with the given event were received.
func (r *Recorder) Count(event string) int {
	n := 0
	for _, f := range r.Frames() {
		if f.Event == event {
			n++
		}
	}
	return n
}

// Last returns the most recent frame with the given event.
func (r *Recorder) Last(event string) (Frame, bool) {
	frames := r.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i], true
		}
	}
	return Frame{}, false
}

// Received is signalled (best-effort) after each recorded frame.
func (r *Recorder) Received() <-chan struct{} {
	return r.notify
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}
