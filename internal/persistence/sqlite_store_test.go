package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/petrijr/deckflow/pkg/api"
)

func newTestSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Persistence { return newTestSQLiteStore(t).Persistence() })
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "deckflow.db")

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := store.CreateRun(ctx, sampleRun("run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if _, err := store.AppendEvent(ctx, "run-1", api.EventLog, nil, testEpoch); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	_ = store.DB().Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = reopened.DB().Close() })

	ev, err := reopened.AppendEvent(ctx, "run-1", api.EventLog, nil, testEpoch)
	if err != nil {
		t.Fatalf("AppendEvent after reopen failed: %v", err)
	}
	if ev.Seq != 1 {
		t.Fatalf("expected sequence to continue at 1, got %d", ev.Seq)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{d: postgresDialect}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind: %q", got)
	}
	lite := &SQLStore{d: sqliteDialect}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite query must be unchanged, got %q", got)
	}
}
