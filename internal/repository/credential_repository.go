package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kkumarsourav9-ux/otpflow-bot/internal/entities"
)

// CredentialRepository persists per-instance auth material. Columns are
// BYTEA so credential and key records round-trip byte-exact.
type CredentialRepository struct {
	db *pgxpool.Pool
}

func NewCredentialRepository(db *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// LoadCredential returns the stored credential blob. An instance that has
// never connected gets the canonical fresh seed, generated and stored on
// first load; the protocol rejects empty records as handshake input.
func (r *CredentialRepository) LoadCredential(ctx context.Context, key string) ([]byte, error) {
	var credential []byte
	err := r.db.QueryRow(ctx,
		`SELECT credential FROM instance_credentials WHERE instance_key = $1`,
		key).Scan(&credential)
	if err == pgx.ErrNoRows {
		seed, err := entities.NewFreshCredential()
		if err != nil {
			return nil, err
		}
		if err := r.SaveCredential(ctx, key, seed); err != nil {
			return nil, fmt.Errorf("store fresh credential for %s: %w", key, err)
		}
		return seed, nil
	}
	if err != nil {
		return nil, err
	}
	return credential, nil
}

func (r *CredentialRepository) SaveCredential(ctx context.Context, key string, credential []byte) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO instance_credentials (instance_key, credential, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (instance_key)
		DO UPDATE SET credential = EXCLUDED.credential, updated_at = CURRENT_TIMESTAMP
	`, key, credential)
	return err
}

func (r *CredentialRepository) LoadKeys(ctx context.Context, key string) (map[entities.KeyID][]byte, error) {
	rows, err := r.db.Query(ctx,
		`SELECT category, key_id, value FROM instance_keys WHERE instance_key = $1`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[entities.KeyID][]byte)
	for rows.Next() {
		var id entities.KeyID
		var value []byte
		if err := rows.Scan(&id.Category, &id.ID, &value); err != nil {
			return nil, err
		}
		keys[id] = value
	}
	return keys, rows.Err()
}

// SaveKeys applies a delta in one transaction: non-empty values upsert,
// empty values tombstone-delete the stored record.
func (r *CredentialRepository) SaveKeys(ctx context.Context, key string, delta map[entities.KeyID][]byte) error {
	upserts, deletes := SplitKeyDelta(delta)
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for id, value := range upserts {
		_, err := tx.Exec(ctx, `
			INSERT INTO instance_keys (instance_key, category, key_id, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (instance_key, category, key_id)
			DO UPDATE SET value = EXCLUDED.value
		`, key, id.Category, id.ID, value)
		if err != nil {
			return fmt.Errorf("upsert key %s/%s: %w", id.Category, id.ID, err)
		}
	}
	for _, id := range deletes {
		_, err := tx.Exec(ctx, `
			DELETE FROM instance_keys
			WHERE instance_key = $1 AND category = $2 AND key_id = $3
		`, key, id.Category, id.ID)
		if err != nil {
			return fmt.Errorf("delete key %s/%s: %w", id.Category, id.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// SplitKeyDelta partitions a key delta into upserts and tombstone deletes.
func SplitKeyDelta(delta map[entities.KeyID][]byte) (map[entities.KeyID][]byte, []entities.KeyID) {
	upserts := make(map[entities.KeyID][]byte, len(delta))
	var deletes []entities.KeyID
	for id, value := range delta {
		if len(value) == 0 {
			deletes = append(deletes, id)
			continue
		}
		upserts[id] = value
	}
	return upserts, deletes
}
