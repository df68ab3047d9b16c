package interfaces

import (
	"context"
	"time"

	"github.com/kkumarsourav9-ux/otpflow-bot/internal/entities"
)

// InstanceStore persists instance rows and quota bookkeeping.
type InstanceStore interface {
	Create(ctx context.Context, inst *entities.Instance) error
	GetByKey(ctx context.Context, key string) (*entities.Instance, error)
	// ListOwnerCandidates returns an owner's instances with status connected
	// and ban flag clear, in stable creation order. Quota filtering is the
	// caller's job (rollover normalization is read-side and non-destructive).
	ListOwnerCandidates(ctx context.Context, userID int64) ([]*entities.Instance, error)
	// ListSharedCandidates is the shared-pool equivalent of ListOwnerCandidates.
	ListSharedCandidates(ctx context.Context) ([]*entities.Instance, error)
	// ListRestorable returns instances worth reviving on startup: status
	// connected or reconnecting, not banned, with stored credential material.
	ListRestorable(ctx context.Context) ([]*entities.Instance, error)
	UpdateStatus(ctx context.Context, key string, status entities.Status) error
	SetPhoneNumber(ctx context.Context, key, phone string) error
	// MarkBanned sets the ban flag and status banned in one write.
	MarkBanned(ctx context.Context, key string) error
	// ClearBan is the explicit external reset of the ban flag.
	ClearBan(ctx context.Context, key string) error
	// IncrementUsage applies the reset-or-increment quota update atomically
	// and returns the post-increment counter.
	IncrementUsage(ctx context.Context, key string, today time.Time) (int, error)
	TouchLastSeen(ctx context.Context, key string) error
}

// CredentialStore persists per-instance auth material with byte-exact
// round trips.
type CredentialStore interface {
	// LoadCredential returns the stored credential, generating and storing
	// the canonical fresh seed when none exists yet.
	LoadCredential(ctx context.Context, key string) ([]byte, error)
	SaveCredential(ctx context.Context, key string, credential []byte) error
	LoadKeys(ctx context.Context, key string) (map[entities.KeyID][]byte, error)
	// SaveKeys applies a delta: non-empty values upsert, empty values delete.
	SaveKeys(ctx context.Context, key string, delta map[entities.KeyID][]byte) error
}

// SessionDirectory is the rotation engine's view of live sessions.
type SessionDirectory interface {
	IsConnected(key string) bool
	SendText(ctx context.Context, key, recipient, text string) error
}

// Notifier pushes operator alerts. Implementations must be non-blocking
// best-effort; gateway behavior never depends on delivery.
type Notifier interface {
	NotifyBanned(key, phone string)
	NotifyCapacityExhausted(scope string)
}
