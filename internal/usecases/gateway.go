package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kkumarsourav9-ux/otpflow-bot/internal/entities"
	"github.com/kkumarsourav9-ux/otpflow-bot/internal/infrastructure"
	"github.com/kkumarsourav9-ux/otpflow-bot/internal/interfaces"
)

const defaultDailyLimit = 200

// Gateway is the public surface of the core: instance registration, session
// lifecycle, and rotated sends. The HTTP layer talks only to this.
type Gateway struct {
	registry   *infrastructure.SessionRegistry
	supervisor *infrastructure.Supervisor
	engine     *RotationEngine
	instances  interfaces.InstanceStore
}

func NewGateway(registry *infrastructure.SessionRegistry, supervisor *infrastructure.Supervisor, engine *RotationEngine, instances interfaces.InstanceStore) *Gateway {
	return &Gateway{
		registry:   registry,
		supervisor: supervisor,
		engine:     engine,
		instances:  instances,
	}
}

// RegisterInstance creates the durable row for a new instance.
func (g *Gateway) RegisterInstance(ctx context.Context, ownerID int64, key string, shared bool, dailyLimit, priority int) (*entities.Instance, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("instance key is required")
	}
	if dailyLimit <= 0 {
		dailyLimit = defaultDailyLimit
	}
	inst := &entities.Instance{
		UserID:      ownerID,
		InstanceKey: key,
		SharedPool:  shared,
		DailyLimit:  dailyLimit,
		Priority:    priority,
		Status:      entities.StatusDisconnected,
	}
	if err := g.instances.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("register instance %s: %w", key, err)
	}
	return inst, nil
}

// StartSession connects the instance, refusing banned ones up front.
func (g *Gateway) StartSession(ctx context.Context, key string) (infrastructure.SessionInfo, error) {
	inst, err := g.instances.GetByKey(ctx, key)
	if err != nil {
		return infrastructure.SessionInfo{}, err
	}
	if inst == nil {
		return infrastructure.SessionInfo{}, ErrUnknownInstance
	}
	if inst.Banned {
		return infrastructure.SessionInfo{}, ErrInstanceBanned
	}
	return g.registry.Start(ctx, key)
}

func (g *Gateway) GetSession(key string) (infrastructure.SessionInfo, bool) {
	return g.registry.Get(key)
}

// WaitForQR blocks until a pairing challenge (or a direct connect) is
// available, bounded by ctx.
func (g *Gateway) WaitForQR(ctx context.Context, key string) (infrastructure.SessionInfo, error) {
	return g.registry.WaitForQR(ctx, key)
}

func (g *Gateway) DisconnectSession(ctx context.Context, key string) error {
	return g.registry.Disconnect(ctx, key)
}

func (g *Gateway) ListSessions() []infrastructure.SessionInfo {
	return g.registry.ListAll()
}

func (g *Gateway) SendWithOwnerRotation(ctx context.Context, ownerID int64, recipient, text string) (*SendResult, error) {
	return g.engine.SendWithOwnerRotation(ctx, ownerID, recipient, text)
}

func (g *Gateway) SendWithSharedRotation(ctx context.Context, recipient, text string) (*SendResult, error) {
	return g.engine.SendWithSharedRotation(ctx, recipient, text)
}

func (g *Gateway) SendDirect(ctx context.Context, key, recipient, text string) (*SendResult, error) {
	return g.engine.SendDirect(ctx, key, recipient, text)
}

// RestoreAllSessions revives previously connected instances after a restart.
func (g *Gateway) RestoreAllSessions(ctx context.Context) (int, error) {
	return g.supervisor.RestoreAll(ctx)
}

// UnbanInstance is the explicit external reset of the ban flag. The
// instance stays disconnected until the next StartSession.
func (g *Gateway) UnbanInstance(ctx context.Context, key string) error {
	inst, err := g.instances.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	if inst == nil {
		return ErrUnknownInstance
	}
	return g.instances.ClearBan(ctx, key)
}

// GetInstance exposes the durable row for status endpoints.
func (g *Gateway) GetInstance(ctx context.Context, key string) (*entities.Instance, error) {
	inst, err := g.instances.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, ErrUnknownInstance
	}
	return inst, nil
}
