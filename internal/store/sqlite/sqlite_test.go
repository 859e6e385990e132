package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/meteoradja-ytmjk/ozanglive/internal/store/storetest"
)

func TestSQLiteGateway(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	storetest.Run(t, db)
}

func TestSQLiteFile(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "ozanglive.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	storetest.Run(t, db)
}

func TestSQLiteEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
