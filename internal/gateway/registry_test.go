package gateway

import (
	"testing"

	"github.com/oakandowl/gamemaster/internal/protocol"
)

// fakeSender records envelopes for assertions.
type fakeSender struct {
	sent []protocol.Envelope
}

func (f *fakeSender) Send(env protocol.Envelope) error {
	f.sent = append(f.sent, env)
	return nil
}

func TestRegistry_AttachSupersedes(t *testing.T) {
	r := NewRegistry()
	first := &fakeSender{}
	second := &fakeSender{}

	if prev := r.Attach("t", first); prev != nil {
		t.Errorf("first Attach() returned %v, want nil", prev)
	}
	prev := r.Attach("t", second)
	if prev != first {
		t.Errorf("second Attach() returned %v, want first connection", prev)
	}
	if got := r.Get("t"); got != second {
		t.Errorf("Get() = %v, want second connection", got)
	}
}

func TestRegistry_DetachOnlyIfCurrent(t *testing.T) {
	r := NewRegistry()
	stale := &fakeSender{}
	current := &fakeSender{}

	r.Attach("t", stale)
	r.Attach("t", current)

	// The superseded handler unwinding must not evict its replacement.
	r.Detach("t", stale)
	if got := r.Get("t"); got != current {
		t.Errorf("Get() after stale Detach = %v, want current connection", got)
	}

	r.Detach("t", current)
	if got := r.Get("t"); got != nil {
		t.Errorf("Get() after Detach = %v, want nil", got)
	}
}

func TestRegistry_Count(t *testing.T) {
	r := NewRegistry()
	r.Attach("a", &fakeSender{})
	r.Attach("b", &fakeSender{})
	r.Attach("a", &fakeSender{}) // supersede, not add

	if got := r.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}
