package repo

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/store"
)

//go:embed schema.sql
var schema string

var _ store.Journal = (*PostgresJournal)(nil)

// PostgresJournal keeps one row per local echo so failed sends survive a
// restart. Confirmed rows record the canonical id the echo became.
type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func (r *PostgresJournal) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *PostgresJournal) Created(ctx context.Context, rec store.Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO local_messages (peer_id, local_id, kind, text, lifecycle, scheduled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (peer_id, local_id) DO NOTHING
	`, int64(rec.Local.Peer), int64(rec.Local.Msg), string(rec.Kind), rec.Text, string(rec.Lifecycle), rec.Scheduled, rec.At.UTC())
	return err
}

func (r *PostgresJournal) Confirmed(ctx context.Context, rec store.Record) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE local_messages
		SET lifecycle = 'confirmed',
		    canonical_id = $3,
		    last_error = NULL,
		    updated_at = $4
		WHERE peer_id = $1 AND local_id = $2
	`, int64(rec.Local.Peer), int64(rec.Local.Msg), int64(rec.Canonical.Msg), rec.At.UTC())
	return err
}

func (r *PostgresJournal) Failed(ctx context.Context, rec store.Record) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE local_messages
		SET lifecycle = 'failed',
		    last_error = $3,
		    updated_at = now()
		WHERE peer_id = $1 AND local_id = $2
	`, int64(rec.Local.Peer), int64(rec.Local.Msg), rec.LastError)
	return err
}

func (r *PostgresJournal) Destroyed(ctx context.Context, rec store.Record) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM local_messages
		WHERE peer_id = $1 AND local_id = $2
	`, int64(rec.Local.Peer), int64(rec.Local.Msg))
	return err
}

// ListFailed pages through failed echoes, newest failure first.
func (r *PostgresJournal) ListFailed(ctx context.Context, limit, offset int) ([]store.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT peer_id, local_id, kind, text, lifecycle, last_error, scheduled, updated_at
		FROM local_messages
		WHERE lifecycle = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var (
			rec       store.Record
			peer, id  int64
			kind      string
			lifecycle string
			lastErr   sql.NullString
		)
		if err := rows.Scan(&peer, &id, &kind, &rec.Text, &lifecycle, &lastErr, &rec.Scheduled, &rec.At); err != nil {
			return nil, err
		}
		rec.Local = model.FullMsgID{Peer: model.PeerID(peer), Msg: model.MsgID(id)}
		rec.Kind = model.PayloadKind(kind)
		rec.Lifecycle = model.Lifecycle(lifecycle)
		if lastErr.Valid {
			rec.LastError = lastErr.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
