package registry

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/rhuss/sandboxd/pkg/provider"
)

type fakeClient struct {
	name      string
	connects  *int32
	closed    bool
	failFirst bool
	tried     int32
}

func (c *fakeClient) Connect(ctx context.Context) (*provider.Session, error) {
	atomic.AddInt32(c.connects, 1)
	if c.failFirst && atomic.AddInt32(&c.tried, 1) == 1 {
		return nil, &provider.TransportError{Provider: c.name, Err: context.DeadlineExceeded}
	}
	return &provider.Session{Name: c.name, Tools: []provider.ToolSchema{{Name: "echo"}}}, nil
}

func (c *fakeClient) ListTools(ctx context.Context, refresh bool) ([]provider.ToolSchema, error) {
	return []provider.ToolSchema{{Name: "echo"}}, nil
}

func (c *fakeClient) Invoke(ctx context.Context, call provider.ToolCall) (*provider.ToolResult, error) {
	return &provider.ToolResult{Content: "ok"}, nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

func TestSessionForConnectsOnce(t *testing.T) {
	var connects int32
	client := &fakeClient{name: "demo", connects: &connects}
	reg := New(func(spec provider.Spec) provider.Client { return client })
	reg.Register(provider.Spec{Name: "demo", Transport: provider.TransportRemoteHTTP})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := reg.SessionFor(ctx, "demo"); err != nil {
			t.Fatalf("SessionFor: %v", err)
		}
	}

	if got := atomic.LoadInt32(&connects); got != 1 {
		t.Fatalf("expected exactly one Connect call, got %d", got)
	}
}

func TestSessionForUnknownProvider(t *testing.T) {
	reg := New(func(spec provider.Spec) provider.Client { return nil })
	if _, err := reg.SessionFor(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestDiscardForcesReconnect(t *testing.T) {
	var connects int32
	client := &fakeClient{name: "demo", connects: &connects}
	reg := New(func(spec provider.Spec) provider.Client { return client })
	reg.Register(provider.Spec{Name: "demo"})

	ctx := context.Background()
	if _, err := reg.SessionFor(ctx, "demo"); err != nil {
		t.Fatalf("SessionFor: %v", err)
	}
	if err := reg.Discard("demo"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if !client.closed {
		t.Fatal("expected client to be closed on Discard")
	}
	if _, err := reg.SessionFor(ctx, "demo"); err != nil {
		t.Fatalf("SessionFor after discard: %v", err)
	}
	if got := atomic.LoadInt32(&connects); got != 2 {
		t.Fatalf("expected two Connect calls after discard, got %d", got)
	}
}

func TestInvokeRoutesToConnectedProvider(t *testing.T) {
	var connects int32
	client := &fakeClient{name: "demo", connects: &connects}
	reg := New(func(spec provider.Spec) provider.Client { return client })
	reg.Register(provider.Spec{Name: "demo"})

	result, err := reg.Invoke(context.Background(), "demo", provider.ToolCall{Name: "echo"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Content != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCloseAllClosesEveryClient(t *testing.T) {
	var connects int32
	clientA := &fakeClient{name: "a", connects: &connects}
	clientB := &fakeClient{name: "b", connects: &connects}
	reg := New(func(spec provider.Spec) provider.Client {
		if spec.Name == "a" {
			return clientA
		}
		return clientB
	})
	reg.Register(provider.Spec{Name: "a"})
	reg.Register(provider.Spec{Name: "b"})

	ctx := context.Background()
	if _, err := reg.SessionFor(ctx, "a"); err != nil {
		t.Fatalf("SessionFor a: %v", err)
	}
	if _, err := reg.SessionFor(ctx, "b"); err != nil {
		t.Fatalf("SessionFor b: %v", err)
	}

	if err := reg.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if !clientA.closed || !clientB.closed {
		t.Fatal("expected both clients closed")
	}
}
