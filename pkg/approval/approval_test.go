package approval

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingSender) Send(ctx context.Context, data []byte) error {
	var env struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.mu.Lock()
	s.ids = append(s.ids, env.ID)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) lastID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return ""
	}
	return s.ids[len(s.ids)-1]
}

func TestRequestApprovedNotRequired(t *testing.T) {
	c := New(false, time.Second)
	approved, err := c.Request(context.Background(), Request{ServerName: "calc", ToolName: "add"})
	if err != nil || !approved {
		t.Fatalf("Request = (%v, %v), want (true, nil)", approved, err)
	}
}

func TestRequestWithNoClientConnected(t *testing.T) {
	c := New(true, time.Second)
	_, err := c.Request(context.Background(), Request{ServerName: "calc", ToolName: "add"})
	if err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestRequestApprovedByDecide(t *testing.T) {
	c := New(true, time.Second)
	sender := &recordingSender{}
	if err := c.Attach(sender); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for sender.lastID() == "" {
			time.Sleep(time.Millisecond)
		}
		c.Decide(sender.lastID(), true)
		close(done)
	}()

	approved, err := c.Request(context.Background(), Request{ServerName: "calc", ToolName: "add"})
	<-done
	if err != nil || !approved {
		t.Fatalf("Request = (%v, %v), want (true, nil)", approved, err)
	}
}

func TestRequestRejected(t *testing.T) {
	c := New(true, time.Second)
	sender := &recordingSender{}
	if err := c.Attach(sender); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	go func() {
		for sender.lastID() == "" {
			time.Sleep(time.Millisecond)
		}
		c.Decide(sender.lastID(), false)
	}()

	approved, err := c.Request(context.Background(), Request{ServerName: "calc", ToolName: "add"})
	if err != nil || approved {
		t.Fatalf("Request = (%v, %v), want (false, nil)", approved, err)
	}
}

func TestRequestTimesOut(t *testing.T) {
	c := New(true, 20*time.Millisecond)
	if err := c.Attach(&recordingSender{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	_, err := c.Request(context.Background(), Request{ServerName: "calc", ToolName: "add"})
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestAttachRejectsSecondClient(t *testing.T) {
	c := New(true, time.Second)
	if err := c.Attach(&recordingSender{}); err != nil {
		t.Fatalf("first Attach: %v", err)
	}
	if err := c.Attach(&recordingSender{}); err != ErrAlreadyConnected {
		t.Fatalf("second Attach err = %v, want ErrAlreadyConnected", err)
	}
}

func TestDetachFailsPendingRequests(t *testing.T) {
	c := New(true, time.Second)
	if err := c.Attach(&recordingSender{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), Request{ServerName: "calc", ToolName: "add"})
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Detach()

	if err := <-errc; err != ErrDisconnected {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
	if c.Open() {
		t.Fatal("Open() = true after Detach")
	}
}

func TestObserverNotifiedOfLifecycle(t *testing.T) {
	c := New(true, time.Second)
	if err := c.Attach(&recordingSender{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	var mu sync.Mutex
	var requested, resolved []string
	c.SetObserver(observerFuncs{
		onRequested: func(id string, req Request) {
			mu.Lock()
			requested = append(requested, id)
			mu.Unlock()
		},
		onResolved: func(id string) {
			mu.Lock()
			resolved = append(resolved, id)
			mu.Unlock()
		},
	})

	go func() {
		for {
			mu.Lock()
			n := len(requested)
			mu.Unlock()
			if n > 0 {
				c.Decide(requested[0], true)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if _, err := c.Request(context.Background(), Request{ServerName: "calc", ToolName: "add"}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requested) != 1 || len(resolved) != 1 || requested[0] != resolved[0] {
		t.Fatalf("requested=%v resolved=%v, want one matching pair", requested, resolved)
	}
}

type observerFuncs struct {
	onRequested func(id string, req Request)
	onResolved  func(id string)
}

func (o observerFuncs) OnRequested(id string, req Request) { o.onRequested(id, req) }
func (o observerFuncs) OnResolved(id string)                { o.onResolved(id) }
