package peertest

import (
	"sync"

	"proctorhub/pkg/interfaces"
)

// Fanout implements interfaces.Fanout by recording published envelopes.
type Fanout struct {
	mu        sync.Mutex
	envelopes []*interfaces.FanoutEnvelope
	err       error
}

// NewFanout returns an empty recording fanout.
func NewFanout() *Fanout {
	return &Fanout{}
}

func (f *Fanout) Publish(env *interfaces.FanoutEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := *env
	f.envelopes = append(f.envelopes, &cp)
	return nil
}

// FailWith makes every subsequent Publish return err.
func (f *Fanout) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Envelopes returns everything published so far.
func (f *Fanout) Envelopes() []*interfaces.FanoutEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*interfaces.FanoutEnvelope, len(f.envelopes))
	copy(out, f.envelopes)
	return out
}
