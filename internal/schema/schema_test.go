package schema

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func TestAll(t *testing.T) {
	schemas, err := All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(schemas) != len(registry) {
		t.Fatalf("expected %d schemas, got %d", len(registry), len(schemas))
	}

	for i, s := range schemas {
		if s.DDL == "" {
			t.Errorf("%s DDL is empty", s.Name)
		}
		if !strings.Contains(s.DDL, "CREATE TABLE IF NOT EXISTS "+s.Name) {
			t.Errorf("%s DDL doesn't create table %s", s.Name, s.Name)
		}
		if i > 0 && schemas[i-1].Order > s.Order {
			t.Errorf("schemas out of order at %s", s.Name)
		}
	}
}

func TestGet(t *testing.T) {
	t.Run("existing schema", func(t *testing.T) {
		s, err := Get("checkpoints")
		if err != nil {
			t.Fatalf("Get(checkpoints) error = %v", err)
		}
		if len(s.Statements()) != 1 {
			t.Errorf("expected 1 statement, got %d", len(s.Statements()))
		}
	})

	t.Run("non-existent schema", func(t *testing.T) {
		if _, err := Get("nope"); err == nil {
			t.Error("expected error for non-existent schema")
		}
	})
}

func TestInitialize(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := Initialize(ctx, db, nil); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	// Second run must be a no-op.
	if err := Initialize(ctx, db, nil); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}

	for _, name := range []string{"jobs", "checkpoints", "job_cancels", "user_usage", "stage_metrics", "llm_calls", "job_leases"} {
		var got string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&got)
		if err != nil {
			t.Errorf("table %s missing: %v", name, err)
		}
	}
}
