package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhuss/sandboxd/pkg/history"
)

func init() {
	if os.Getenv("DOCKER_HOST") == "" {
		out, err := exec.Command("podman", "machine", "inspect", "--format", "{{.ConnectionInfo.PodmanSocket.Path}}").Output()
		if err == nil {
			sock := strings.TrimSpace(string(out))
			if sock != "" {
				os.Setenv("DOCKER_HOST", "unix://"+sock)
			}
		}
	}
	if os.Getenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED", "true")
	}
}

// setupTestDB starts a PostgreSQL container and returns a connected Store.
// Tests are skipped if Docker/podman is not available.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping PostgreSQL integration tests")
	}
	if _, err := exec.LookPath("podman"); err != nil {
		t.Skip("podman not found, skipping integration tests")
	}

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("sandboxd_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container (is podman running?): %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	store, err := New(ctx, Config{
		DSN:            connStr,
		MaxConns:       5,
		MinConns:       1,
		MigrateOnStart: true,
	})
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func makeTestRecord(id, sessionID string) *history.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &history.Record{
		ID:          id,
		SessionID:   sessionID,
		Code:        "print('hi')",
		Text:        "hi\n",
		Images:      []string{"img_1.png"},
		PausedTotal: 250 * time.Millisecond,
		StartedAt:   now,
		FinishedAt:  now.Add(20 * time.Millisecond),
	}
}

func TestPostgresSaveAndGet(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := makeTestRecord("exec_pg_"+fmt.Sprintf("%d", time.Now().UnixNano()), "session-a")
	if err := store.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}

	got, err := store.GetExecution(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("ID = %q, want %q", got.ID, rec.ID)
	}
	if got.Text != rec.Text {
		t.Errorf("Text = %q, want %q", got.Text, rec.Text)
	}
	if len(got.Images) != 1 || got.Images[0] != "img_1.png" {
		t.Errorf("Images = %v, want [img_1.png]", got.Images)
	}
	if got.PausedTotal != rec.PausedTotal {
		t.Errorf("PausedTotal = %v, want %v", got.PausedTotal, rec.PausedTotal)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_, err := store.GetExecution(ctx, "exec_nonexistent")
	if !errors.Is(err, history.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresDuplicateSave(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := makeTestRecord("exec_pg_dup_"+fmt.Sprintf("%d", time.Now().UnixNano()), "session-a")
	if err := store.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("first SaveExecution failed: %v", err)
	}

	err := store.SaveExecution(ctx, rec)
	if !errors.Is(err, history.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresErrorRecord(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := makeTestRecord("exec_pg_err_"+fmt.Sprintf("%d", time.Now().UnixNano()), "session-a")
	rec.ErrorKind = "runtime_error"
	rec.ErrorMsg = "ZeroDivisionError: division by zero"

	if err := store.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}

	got, err := store.GetExecution(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.ErrorKind != "runtime_error" {
		t.Errorf("ErrorKind = %q, want %q", got.ErrorKind, "runtime_error")
	}
	if got.ErrorMsg != rec.ErrorMsg {
		t.Errorf("ErrorMsg = %q, want %q", got.ErrorMsg, rec.ErrorMsg)
	}
}

func TestPostgresListExecutionsOrderAndPagination(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	session := "session_list_" + fmt.Sprintf("%d", time.Now().UnixNano())
	var ids []string
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		rec := makeTestRecord(fmt.Sprintf("%s_exec_%d", session, i), session)
		rec.StartedAt = base.Add(time.Duration(i) * time.Second)
		rec.FinishedAt = rec.StartedAt.Add(10 * time.Millisecond)
		if err := store.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("SaveExecution(%d) failed: %v", i, err)
		}
		ids = append(ids, rec.ID)
	}

	list, err := store.ListExecutions(ctx, history.ListOptions{SessionID: session, Limit: 3})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(list.Data) != 3 {
		t.Fatalf("len(Data) = %d, want 3", len(list.Data))
	}
	if !list.HasMore {
		t.Error("expected HasMore=true")
	}
	for i, rec := range list.Data {
		if rec.ID != ids[i] {
			t.Errorf("Data[%d].ID = %q, want %q", i, rec.ID, ids[i])
		}
	}
}

func TestPostgresHealthCheck(t *testing.T) {
	store := setupTestDB(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
