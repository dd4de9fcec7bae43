package repo

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/store"
)

// Runs against a real database only when POSTGRES_TEST_URL is set.
func newTestJournal(t *testing.T) *PostgresJournal {
	t.Helper()

	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	j := NewPostgresJournal(db)
	ctx := context.Background()
	if err := j.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE local_messages`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return j
}

func TestPostgresJournal_Lifecycle(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	failed := model.FullMsgID{Peer: 1, Msg: model.StartProvisionalMsgID}
	confirmed := model.FullMsgID{Peer: 1, Msg: model.StartProvisionalMsgID + 1}
	destroyed := model.FullMsgID{Peer: 1, Msg: model.StartProvisionalMsgID + 2}

	for _, id := range []model.FullMsgID{failed, confirmed, destroyed} {
		rec := store.Record{Local: id, Kind: model.KindText, Text: "hi", Lifecycle: model.Sending, At: at}
		if err := j.Created(ctx, rec); err != nil {
			t.Fatalf("Created(%s) error: %v", id, err)
		}
		// Replays are ignored.
		if err := j.Created(ctx, rec); err != nil {
			t.Fatalf("second Created(%s) error: %v", id, err)
		}
	}

	if err := j.Failed(ctx, store.Record{Local: failed, LastError: "peer_flood"}); err != nil {
		t.Fatalf("Failed() error: %v", err)
	}
	if err := j.Confirmed(ctx, store.Record{Local: confirmed, Canonical: model.FullMsgID{Peer: 1, Msg: 77}, At: at}); err != nil {
		t.Fatalf("Confirmed() error: %v", err)
	}
	if err := j.Destroyed(ctx, store.Record{Local: destroyed}); err != nil {
		t.Fatalf("Destroyed() error: %v", err)
	}

	got, err := j.ListFailed(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListFailed() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 failed record, got %d: %+v", len(got), got)
	}
	if got[0].Local != failed || got[0].LastError != "peer_flood" || got[0].Lifecycle != model.Failed {
		t.Fatalf("unexpected failed record: %+v", got[0])
	}

	if got, err := j.ListFailed(ctx, 10, 1); err != nil || len(got) != 0 {
		t.Fatalf("ListFailed(offset=1) = %v, %v", got, err)
	}
}
