package infrastructure

import (
	"context"
	"log"
	"time"

	"github.com/kkumarsourav9-ux/otpflow-bot/internal/interfaces"
)

const defaultRestoreSpacing = 3 * time.Second

// Supervisor re-establishes sessions after a process restart: instances that
// were connected or reconnecting, are not banned, and have stored
// credentials come back one at a time with a spacing interval so the
// protocol servers do not see a thundering herd of handshakes.
type Supervisor struct {
	registry  *SessionRegistry
	instances interfaces.InstanceStore
	spacing   time.Duration
}

func NewSupervisor(registry *SessionRegistry, instances interfaces.InstanceStore, spacing time.Duration) *Supervisor {
	if spacing <= 0 {
		spacing = defaultRestoreSpacing
	}
	return &Supervisor{registry: registry, instances: instances, spacing: spacing}
}

// RestoreAll starts every restorable instance sequentially. Returns how many
// session starts were attempted.
func (sv *Supervisor) RestoreAll(ctx context.Context) (int, error) {
	rows, err := sv.instances.ListRestorable(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for i, inst := range rows {
		if i > 0 {
			select {
			case <-ctx.Done():
				return started, ctx.Err()
			case <-time.After(sv.spacing):
			}
		}
		if _, err := sv.registry.Start(ctx, inst.InstanceKey); err != nil {
			log.Printf("restore: instance %s: %v", inst.InstanceKey, err)
			continue
		}
		started++
	}
	log.Printf("restore: attempted %d of %d instances", started, len(rows))
	return started, nil
}
