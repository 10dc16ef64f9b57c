package migrate

import (
	"context"
	"testing"

	"trustgate/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if v, err := Current(ctx, conn); err != nil || v != 0 {
		t.Fatalf("expected fresh db at version 0, got %d %v", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	latest, err := Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	v, err := Current(ctx, conn)
	if err != nil || v != latest {
		t.Fatalf("expected version %d, got %d %v", latest, v, err)
	}
	for _, table := range []string{"events", "verification_records", "event_deliveries"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
