package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rhuss/sandboxd/pkg/history"
)

func makeRecord(id, sessionID string, startedAt time.Time) *history.Record {
	return &history.Record{
		ID:         id,
		SessionID:  sessionID,
		Code:       "print(1)",
		Text:       "1\n",
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(5 * time.Millisecond),
	}
}

func TestSaveAndGetExecution(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	rec := makeRecord("exec_1", "session-a", time.Now())

	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}

	got, err := s.GetExecution(ctx, "exec_1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("ID = %q, want %q", got.ID, rec.ID)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	s := New(0)
	_, err := s.GetExecution(context.Background(), "missing")
	if !errors.Is(err, history.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveExecutionConflict(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	rec := makeRecord("exec_dup", "session-a", time.Now())

	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := s.SaveExecution(ctx, rec); !errors.Is(err, history.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestListExecutionsFiltersAndOrders(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		rec := makeRecord(fmt.Sprintf("a_%d", i), "session-a", base.Add(time.Duration(i)*time.Second))
		if err := s.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("save a_%d: %v", i, err)
		}
	}
	other := makeRecord("b_0", "session-b", base)
	if err := s.SaveExecution(ctx, other); err != nil {
		t.Fatalf("save b_0: %v", err)
	}

	list, err := s.ListExecutions(ctx, history.ListOptions{SessionID: "session-a"})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(list.Data) != 3 {
		t.Fatalf("len(Data) = %d, want 3", len(list.Data))
	}
	for i, rec := range list.Data {
		want := fmt.Sprintf("a_%d", i)
		if rec.ID != want {
			t.Errorf("Data[%d].ID = %q, want %q", i, rec.ID, want)
		}
	}
}

func TestListExecutionsCursorPagination(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		rec := makeRecord(fmt.Sprintf("exec_%d", i), "s", base.Add(time.Duration(i)*time.Second))
		if err := s.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("save exec_%d: %v", i, err)
		}
	}

	first, err := s.ListExecutions(ctx, history.ListOptions{SessionID: "s", Limit: 2})
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if len(first.Data) != 2 || !first.HasMore {
		t.Fatalf("first page = %+v, want 2 items with HasMore", first)
	}

	second, err := s.ListExecutions(ctx, history.ListOptions{SessionID: "s", Limit: 2, After: first.Data[1].ID})
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(second.Data) != 2 {
		t.Fatalf("len(second.Data) = %d, want 2", len(second.Data))
	}
	if second.Data[0].ID != "exec_2" {
		t.Errorf("second.Data[0].ID = %q, want exec_2", second.Data[0].ID)
	}
}

func TestLRUEviction(t *testing.T) {
	s := New(2)
	ctx := context.Background()
	base := time.Now()

	s.SaveExecution(ctx, makeRecord("exec_1", "s", base))
	s.SaveExecution(ctx, makeRecord("exec_2", "s", base.Add(time.Second)))
	s.SaveExecution(ctx, makeRecord("exec_3", "s", base.Add(2*time.Second)))

	if _, err := s.GetExecution(ctx, "exec_1"); !errors.Is(err, history.ErrNotFound) {
		t.Error("expected exec_1 to be evicted")
	}
	if _, err := s.GetExecution(ctx, "exec_3"); err != nil {
		t.Errorf("expected exec_3 to survive: %v", err)
	}
}

func TestHealthCheckAndClose(t *testing.T) {
	s := New(0)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
