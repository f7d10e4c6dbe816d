package hub

import (
	"errors"
	"testing"
)

func TestBindOnce(t *testing.T) {
	p := newPeer("p", nil, testConfig())

	if p.Role() != RoleNone || p.CallID() != "" {
		t.Fatalf("unbound peer has role %q call %q", p.Role(), p.CallID())
	}
	if _, ok := p.Binding(); ok {
		t.Fatal("unbound peer reports a binding")
	}

	if err := p.Bind(RoleCaller, "r1"); err != nil {
		t.Fatalf("error binding: %v", err)
	}
	if err := p.Bind(RoleCallee, "r2"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}

	b, ok := p.Binding()
	if !ok || b.Role != RoleCaller || b.CallID != "r1" {
		t.Fatalf("binding changed: %+v", b)
	}
}

func TestTryDeliver(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageQueue = 1
	p := newPeer("p", nil, cfg)

	if err := p.TryDeliver([]byte("1")); err != nil {
		t.Fatalf("error delivering: %v", err)
	}
	if err := p.TryDeliver([]byte("2")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	if !p.Close() {
		t.Fatal("first Close returned false")
	}
	if p.Close() {
		t.Fatal("second Close returned true")
	}
	if err := p.TryDeliver([]byte("3")); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
}
