package entities

import "time"

// Status is the lifecycle state of an instance / its session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQRReady      Status = "qr_ready"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusBanned       Status = "banned"
	StatusError        Status = "error"
)

// validTransitions is the closed transition table for the session lifecycle.
// Banned is terminal: nothing leaves it except an explicit external unban,
// which is a storage-level reset, not a lifecycle transition.
var validTransitions = map[Status][]Status{
	StatusDisconnected: {StatusConnecting},
	StatusConnecting:   {StatusQRReady, StatusConnected, StatusReconnecting, StatusBanned, StatusDisconnected, StatusError},
	StatusQRReady:      {StatusConnected, StatusReconnecting, StatusBanned, StatusDisconnected},
	StatusConnected:    {StatusReconnecting, StatusBanned, StatusDisconnected},
	StatusReconnecting: {StatusConnecting, StatusBanned, StatusDisconnected},
	StatusBanned:       {},
	StatusError:        {StatusConnecting},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends a session's life.
func (s Status) Terminal() bool {
	return s == StatusBanned || s == StatusDisconnected
}

// Instance is one durable WhatsApp login with its quota and routing metadata.
type Instance struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`       // 0 when the instance belongs to the shared pool
	InstanceKey   string     `json:"instance_key"`  // unique external identifier
	PhoneNumber   string     `json:"phone_number"`  // empty until first successful connect
	Status        Status     `json:"status"`
	Banned        bool       `json:"banned"`
	SharedPool    bool       `json:"shared_pool"`
	DailyLimit    int        `json:"daily_limit"`
	UsedToday     int        `json:"used_today"`
	LastResetDate *time.Time `json:"last_reset_date"`
	Priority      int        `json:"priority"` // lower is preferred on failover
	LastSeen      time.Time  `json:"last_seen"`
	CreatedAt     time.Time  `json:"created_at"`
}

// EffectiveUsedToday applies day-rollover normalization without touching
// storage: a counter whose reset date is before today counts as zero.
func (i *Instance) EffectiveUsedToday(now time.Time) int {
	if i.LastResetDate == nil {
		return 0
	}
	ry, rm, rd := i.LastResetDate.Date()
	ny, nm, nd := now.Date()
	reset := time.Date(ry, rm, rd, 0, 0, 0, 0, time.UTC)
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	if reset.Before(today) {
		return 0
	}
	return i.UsedToday
}

// UnderQuota reports whether the instance may still send today.
func (i *Instance) UnderQuota(now time.Time) bool {
	return i.EffectiveUsedToday(now) < i.DailyLimit
}
