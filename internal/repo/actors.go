package repo

import (
	"context"
	"database/sql"
	"time"
)

// UpsertActor inserts or updates a directory entry for assignee display info.
func (r Repo) UpsertActor(ctx context.Context, id, displayName string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id, display_name, created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name`, id, nullable(displayName), now)
	return err
}

// EnsureActorTx inserts an actor if missing, keeping any existing display name.
func (r Repo) EnsureActorTx(ctx context.Context, tx *sql.Tx, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, id, now)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (string, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(display_name,'') FROM actors WHERE id=?`, id)
	var name string
	err := row.Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return name, err
}
