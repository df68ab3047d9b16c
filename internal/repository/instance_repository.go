package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kkumarsourav9-ux/otpflow-bot/internal/entities"
)

const instanceColumns = `id, user_id, instance_key, COALESCE(phone_number, ''), status, banned,
	shared_pool, daily_limit, used_today, last_reset_date, priority, last_seen, created_at`

// InstanceRepository is the durable status tracker for instances.
type InstanceRepository struct {
	db *pgxpool.Pool
}

func NewInstanceRepository(db *pgxpool.Pool) *InstanceRepository {
	return &InstanceRepository{db: db}
}

func (r *InstanceRepository) Create(ctx context.Context, inst *entities.Instance) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO instances (user_id, instance_key, status, shared_pool, daily_limit, priority)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, inst.UserID, inst.InstanceKey, entities.StatusDisconnected, inst.SharedPool,
		inst.DailyLimit, inst.Priority).Scan(&inst.ID, &inst.CreatedAt)
}

func (r *InstanceRepository) GetByKey(ctx context.Context, key string) (*entities.Instance, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE instance_key = $1`, key)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ListOwnerCandidates returns an owner's rotation candidates: connected and
// not banned, in creation order so failover tie-breaks stay stable. Quota
// filtering happens read-side in the engine.
func (r *InstanceRepository) ListOwnerCandidates(ctx context.Context, userID int64) ([]*entities.Instance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE user_id = $1 AND shared_pool = FALSE AND status = $2 AND banned = FALSE
		ORDER BY id
	`, userID, entities.StatusConnected)
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

func (r *InstanceRepository) ListSharedCandidates(ctx context.Context) ([]*entities.Instance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE shared_pool = TRUE AND status = $1 AND banned = FALSE
		ORDER BY id
	`, entities.StatusConnected)
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

// ListRestorable returns instances worth reviving on startup.
func (r *InstanceRepository) ListRestorable(ctx context.Context) ([]*entities.Instance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances i
		WHERE i.status IN ($1, $2) AND i.banned = FALSE
		  AND EXISTS (
			SELECT 1 FROM instance_credentials c
			WHERE c.instance_key = i.instance_key AND length(c.credential) > 0
		  )
		ORDER BY i.id
	`, entities.StatusConnected, entities.StatusReconnecting)
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

func (r *InstanceRepository) UpdateStatus(ctx context.Context, key string, status entities.Status) error {
	_, err := r.db.Exec(ctx,
		`UPDATE instances SET status = $2 WHERE instance_key = $1 AND banned = FALSE`,
		key, status)
	return err
}

func (r *InstanceRepository) SetPhoneNumber(ctx context.Context, key, phone string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE instances SET phone_number = $2 WHERE instance_key = $1`, key, phone)
	return err
}

// MarkBanned sets the ban flag and the banned status in one write. The flag
// stays set until ClearBan.
func (r *InstanceRepository) MarkBanned(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE instances SET banned = TRUE, status = $2 WHERE instance_key = $1`,
		key, entities.StatusBanned)
	return err
}

// ClearBan is the explicit external reset of the ban flag.
func (r *InstanceRepository) ClearBan(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE instances SET banned = FALSE, status = $2 WHERE instance_key = $1`,
		key, entities.StatusDisconnected)
	return err
}

// IncrementUsage applies the quota update as one conditional statement so
// concurrent sends against the same instance never lose increments: a stale
// reset date restarts the counter at 1, otherwise it increments.
func (r *InstanceRepository) IncrementUsage(ctx context.Context, key string, today time.Time) (int, error) {
	day := today.Format("2006-01-02")
	var used int
	err := r.db.QueryRow(ctx, `
		UPDATE instances
		SET used_today = CASE
				WHEN last_reset_date IS NULL OR last_reset_date < $2 THEN 1
				ELSE used_today + 1
			END,
			last_reset_date = $2,
			last_seen = CURRENT_TIMESTAMP
		WHERE instance_key = $1
		RETURNING used_today
	`, key, day).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("increment usage for %s: %w", key, err)
	}
	return used, nil
}

func (r *InstanceRepository) TouchLastSeen(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE instances SET last_seen = CURRENT_TIMESTAMP WHERE instance_key = $1`, key)
	return err
}

func (r *InstanceRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM instances WHERE instance_key = $1`, key)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*entities.Instance, error) {
	var inst entities.Instance
	err := row.Scan(&inst.ID, &inst.UserID, &inst.InstanceKey, &inst.PhoneNumber,
		&inst.Status, &inst.Banned, &inst.SharedPool, &inst.DailyLimit, &inst.UsedToday,
		&inst.LastResetDate, &inst.Priority, &inst.LastSeen, &inst.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func scanInstances(rows pgx.Rows) ([]*entities.Instance, error) {
	defer rows.Close()
	var out []*entities.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
