package domain

import (
	"slices"
	"strings"
	"time"
)

// InstanceStatus is the supervision state of a bot instance as seen by the monitor.
type InstanceStatus string

const (
	StatusStarting InstanceStatus = "starting"
	StatusLive     InstanceStatus = "live"
	StatusSuspect  InstanceStatus = "suspect"
	StatusDead     InstanceStatus = "dead"
)

// Phase is the lifecycle phase an instance reports about itself in each heartbeat.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopped  Phase = "stopped"
)

// Heartbeat is the durable liveness record of one instance.
type Heartbeat struct {
	InstanceID string
	Scope      []string
	Phase      Phase
	StartedAt  time.Time
	BeatAt     time.Time
}

// BotInstance is the monitor's view of a running castbot process.
type BotInstance struct {
	ID            string         `json:"id"`
	Scope         []string       `json:"scope,omitempty"`
	Status        InstanceStatus `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	StartedAt     time.Time      `json:"started_at"`
}

// Serves reports whether the instance scope covers the category.
// An empty scope means the global pool.
func (b BotInstance) Serves(category string) bool {
	return ScopeIncludes(b.Scope, category)
}

func ScopeIncludes(scope []string, category string) bool {
	if len(scope) == 0 {
		return true
	}
	category = strings.TrimSpace(category)
	return slices.Contains(scope, category)
}

// Destination is a Telegram group or channel that receives content.
type Destination struct {
	ChatID   int64  `json:"chat_id"`
	Title    string `json:"title,omitempty"`
	Category string `json:"category"`
	// AssignedInstance is the preferred owner. Empty means any instance in scope.
	AssignedInstance string `json:"assigned_instance,omitempty"`
	Active           bool   `json:"active"`
}

// Lease grants one instance exclusive delivery rights to one destination.
// Holder is empty when the destination is unleased.
type Lease struct {
	Destination int64     `json:"destination"`
	Holder      string    `json:"holder"`
	Expiry      time.Time `json:"expiry"`
	Token       int64     `json:"token"`
}

// Active reports whether the lease is held and unexpired at now.
func (l Lease) Active(now time.Time) bool {
	return l.Holder != "" && now.Before(l.Expiry)
}

// HeldBy reports whether id holds an unexpired lease at now.
func (l Lease) HeldBy(id string, now time.Time) bool {
	return l.Active(now) && l.Holder == id
}

type JobKind string

const (
	JobRegular JobKind = "regular"
	JobWelcome JobKind = "welcome"
)

// DeliveryJob is a unit of work handed from the scheduler to the dispatcher.
// Token is the fencing token snapshot taken at scheduling time.
type DeliveryJob struct {
	ID          string
	Kind        JobKind
	Destination int64
	Category    string
	Token       int64
	Payload     Payload
	ScheduledAt time.Time
	Attempt     int
}
