package usecases

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/kkumarsourav9-ux/otpflow-bot/internal/entities"
	"github.com/kkumarsourav9-ux/otpflow-bot/internal/interfaces"
)

// RotationPolicy selects how a scope's candidates are ordered and tried.
type RotationPolicy string

const (
	// PolicyPriority tries candidates in priority order, failing over on
	// dispatch errors. Default for owner-scoped pools.
	PolicyPriority RotationPolicy = "priority"
	// PolicyRoundRobin spreads successful sends evenly across the scope.
	// Always used for the shared pool.
	PolicyRoundRobin RotationPolicy = "round_robin"
)

var (
	// ErrCapacityExhausted: no live, under-quota, unbanned instance existed
	// before any attempt.
	ErrCapacityExhausted = errors.New("no sendable instance in scope")
	// ErrDispatchExhausted: candidates existed but every attempt failed.
	ErrDispatchExhausted = errors.New("all dispatch attempts failed")

	ErrUnknownInstance = errors.New("unknown instance")
	ErrInstanceBanned  = errors.New("instance is banned")
	ErrQuotaExceeded   = errors.New("instance daily quota exceeded")
	ErrInstanceOffline = errors.New("instance has no live session")
)

// SendResult reports a successful dispatch.
type SendResult struct {
	InstanceKey string `json:"instance_key"`
	PhoneNumber string `json:"phone_number"`
	UsedToday   int    `json:"used_today"`
	DailyLimit  int    `json:"daily_limit"`
	// Rotated is true when the send did not go through the most-preferred
	// candidate of its scope.
	Rotated bool `json:"rotated"`
}

// RotationEngine picks which instance serves an outbound send and fails
// over on error. It never panics or leaks adapter faults: every call
// returns either a SendResult or one of the typed errors above.
type RotationEngine struct {
	instances   interfaces.InstanceStore
	sessions    interfaces.SessionDirectory
	notifier    interfaces.Notifier
	ownerPolicy RotationPolicy
	now         func() time.Time

	mu      sync.Mutex
	cursors map[string]int
}

// EngineOptions tunes the engine; zero values pick defaults.
type EngineOptions struct {
	OwnerPolicy RotationPolicy
	Notifier    interfaces.Notifier
	Now         func() time.Time
}

func NewRotationEngine(instances interfaces.InstanceStore, sessions interfaces.SessionDirectory, opts EngineOptions) *RotationEngine {
	if opts.OwnerPolicy == "" {
		opts.OwnerPolicy = PolicyPriority
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RotationEngine{
		instances:   instances,
		sessions:    sessions,
		notifier:    opts.Notifier,
		ownerPolicy: opts.OwnerPolicy,
		now:         opts.Now,
		cursors:     make(map[string]int),
	}
}

// SendWithOwnerRotation dispatches through one of the owner's instances.
func (e *RotationEngine) SendWithOwnerRotation(ctx context.Context, ownerID int64, recipient, text string) (*SendResult, error) {
	scope := fmt.Sprintf("owner:%d", ownerID)
	rows, err := e.instances.ListOwnerCandidates(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list owner candidates: %w", err)
	}
	cands := e.filterCandidates(rows)
	if len(cands) == 0 {
		return e.exhausted(scope)
	}
	if e.ownerPolicy == PolicyRoundRobin {
		return e.roundRobin(ctx, scope, cands, recipient, text)
	}
	return e.priorityFailover(ctx, scope, cands, recipient, text)
}

// SendWithSharedRotation dispatches through the shared pool, round-robin.
func (e *RotationEngine) SendWithSharedRotation(ctx context.Context, recipient, text string) (*SendResult, error) {
	const scope = "shared"
	rows, err := e.instances.ListSharedCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shared candidates: %w", err)
	}
	cands := e.filterCandidates(rows)
	if len(cands) == 0 {
		return e.exhausted(scope)
	}
	return e.roundRobin(ctx, scope, cands, recipient, text)
}

// SendDirect dispatches through one specific instance, still honoring ban
// flag and quota.
func (e *RotationEngine) SendDirect(ctx context.Context, key, recipient, text string) (*SendResult, error) {
	inst, err := e.instances.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, ErrUnknownInstance
	}
	if inst.Banned {
		return nil, ErrInstanceBanned
	}
	if !inst.UnderQuota(e.now()) {
		return nil, ErrQuotaExceeded
	}
	if !e.sessions.IsConnected(key) {
		return nil, ErrInstanceOffline
	}
	if err := e.sessions.SendText(ctx, key, recipient, text); err != nil {
		return nil, fmt.Errorf("dispatch via %s: %w", key, err)
	}
	return e.recordSuccess(ctx, inst, false)
}

// filterCandidates applies quota (with non-destructive rollover
// normalization) and the registry liveness cross-check; the durable
// connected status may lag reality.
func (e *RotationEngine) filterCandidates(rows []*entities.Instance) []*entities.Instance {
	now := e.now()
	out := make([]*entities.Instance, 0, len(rows))
	for _, inst := range rows {
		if !inst.UnderQuota(now) {
			continue
		}
		if !e.sessions.IsConnected(inst.InstanceKey) {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// priorityFailover tries candidates ordered by priority, then by effective
// usage, stable beyond that. Any send failure moves on to the next
// candidate; ban closes are persisted by the registry's event handling and
// exclude the instance from future lists on their own.
func (e *RotationEngine) priorityFailover(ctx context.Context, scope string, cands []*entities.Instance, recipient, text string) (*SendResult, error) {
	now := e.now()
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Priority != cands[j].Priority {
			return cands[i].Priority < cands[j].Priority
		}
		return cands[i].EffectiveUsedToday(now) < cands[j].EffectiveUsedToday(now)
	})

	for i, inst := range cands {
		if err := e.sessions.SendText(ctx, inst.InstanceKey, recipient, text); err != nil {
			log.Printf("rotation %s: dispatch via %s failed, trying next: %v", scope, inst.InstanceKey, err)
			continue
		}
		return e.recordSuccess(ctx, inst, i > 0)
	}
	return nil, fmt.Errorf("%s: %d candidates tried: %w", scope, len(cands), ErrDispatchExhausted)
}

// roundRobin tries candidates starting at the scope's cursor, wrapping
// modulo the candidate count, each at most once. The cursor advances only
// after a successful send, so failures never desynchronize fairness.
func (e *RotationEngine) roundRobin(ctx context.Context, scope string, cands []*entities.Instance, recipient, text string) (*SendResult, error) {
	e.mu.Lock()
	start := e.cursors[scope] % len(cands)
	e.mu.Unlock()

	for i := 0; i < len(cands); i++ {
		idx := (start + i) % len(cands)
		inst := cands[idx]
		if err := e.sessions.SendText(ctx, inst.InstanceKey, recipient, text); err != nil {
			log.Printf("rotation %s: dispatch via %s failed, trying next: %v", scope, inst.InstanceKey, err)
			continue
		}
		e.mu.Lock()
		e.cursors[scope] = (idx + 1) % len(cands)
		e.mu.Unlock()
		return e.recordSuccess(ctx, inst, idx != start)
	}
	return nil, fmt.Errorf("%s: %d candidates tried: %w", scope, len(cands), ErrDispatchExhausted)
}

func (e *RotationEngine) recordSuccess(ctx context.Context, inst *entities.Instance, rotated bool) (*SendResult, error) {
	used, err := e.instances.IncrementUsage(ctx, inst.InstanceKey, e.now())
	if err != nil {
		// The message left; report success but keep the quota error visible.
		log.Printf("rotation: usage increment for %s failed: %v", inst.InstanceKey, err)
		used = inst.UsedToday + 1
	}
	return &SendResult{
		InstanceKey: inst.InstanceKey,
		PhoneNumber: inst.PhoneNumber,
		UsedToday:   used,
		DailyLimit:  inst.DailyLimit,
		Rotated:     rotated,
	}, nil
}

func (e *RotationEngine) exhausted(scope string) (*SendResult, error) {
	if e.notifier != nil {
		e.notifier.NotifyCapacityExhausted(scope)
	}
	return nil, fmt.Errorf("%s: %w", scope, ErrCapacityExhausted)
}
