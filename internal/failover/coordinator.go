// Package failover moves leases away from dead instances. Exactly one
// instance acts at a time: the one holding the coordinator lease.
package failover

import (
	"context"
	"errors"
	"sort"
	"sync"

	"castbot/internal/domain"
	"castbot/internal/eventbus"
	"castbot/internal/heartbeat"
	"castbot/internal/lease"
	logx "castbot/pkg/logx"
)

type Config struct {
	InstanceID string
}

// Coordinator is a heartbeat.Listener. Every tick it refreshes leadership
// and, while leader, reassigns leases held by dead instances.
type Coordinator struct {
	cfg      Config
	mgr      *lease.Manager
	content  domain.ContentStore
	reporter domain.Reporter
	log      logx.Logger
	bus      eventbus.Bus

	mu      sync.Mutex
	leader  bool
	token   int64
	pending map[int64]string // revoked destinations waiting for a candidate -> dead instance
}

func New(cfg Config, mgr *lease.Manager, content domain.ContentStore, reporter domain.Reporter, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reporter == nil {
		reporter = domain.ReporterFunc(func(domain.FailureReport) {})
	}
	return &Coordinator{
		cfg:      cfg,
		mgr:      mgr,
		content:  content,
		reporter: reporter,
		log:      log,
		bus:      bus,
		pending:  map[int64]string{},
	}
}

func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// Pending returns destinations that were revoked and still wait for a Live candidate.
func (c *Coordinator) Pending() []int64 {
	c.mu.Lock()
	out := make([]int64, 0, len(c.pending))
	for d := range c.pending {
		out = append(out, d)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Coordinator) OnTick(ctx context.Context, snap heartbeat.Snapshot, _ []heartbeat.Transition) {
	if !c.refreshLeadership(ctx, snap) {
		return
	}
	if err := c.reconcile(ctx, snap); err != nil && ctx.Err() == nil {
		c.log.Warn("failover pass failed", logx.Err(err))
	}
}

func (c *Coordinator) refreshLeadership(ctx context.Context, snap heartbeat.Snapshot) bool {
	self, ok := snap.Get(c.cfg.InstanceID)
	c.mu.Lock()
	leader, token := c.leader, c.token
	c.mu.Unlock()

	if !ok || self.Status != domain.StatusLive {
		if leader {
			c.setLeader(false, 0)
			_ = c.mgr.Release(ctx, lease.CoordinatorKey, c.cfg.InstanceID)
		}
		return false
	}

	if leader {
		if _, err := c.mgr.Renew(ctx, lease.CoordinatorKey, c.cfg.InstanceID, token); err != nil {
			c.setLeader(false, 0)
			return false
		}
		return true
	}

	l, err := c.mgr.Acquire(ctx, lease.CoordinatorKey, c.cfg.InstanceID)
	if errors.Is(err, domain.ErrAlreadyLeased) {
		// A dead leader is replaced without waiting for its lease to expire.
		cur, found, gerr := c.mgr.Get(ctx, lease.CoordinatorKey)
		if gerr != nil || !found {
			return false
		}
		if inst, known := snap.Get(cur.Holder); !known || inst.Status != domain.StatusDead {
			return false
		}
		l, err = c.mgr.Supersede(ctx, lease.CoordinatorKey, cur.Holder, c.cfg.InstanceID)
	}
	if err != nil {
		if !errors.Is(err, domain.ErrAlreadyLeased) && ctx.Err() == nil {
			c.log.Debug("coordinator election failed", logx.Err(err))
		}
		return false
	}
	c.setLeader(true, l.Token)
	return true
}

func (c *Coordinator) setLeader(v bool, token int64) {
	c.mu.Lock()
	changed := c.leader != v
	c.leader, c.token = v, token
	if !v {
		c.pending = map[int64]string{}
	}
	c.mu.Unlock()
	if !changed {
		return
	}
	if v {
		c.log.Info("acquired failover leadership", logx.Int64("token", token))
	} else {
		c.log.Info("lost failover leadership")
	}
	eventbus.Emit(c.bus, eventbus.LeadershipChanged, v)
}

// Resign releases the coordinator lease so a peer can take over immediately.
func (c *Coordinator) Resign(ctx context.Context) error {
	c.mu.Lock()
	leader := c.leader
	c.mu.Unlock()
	if !leader {
		return nil
	}
	c.setLeader(false, 0)
	return c.mgr.Release(ctx, lease.CoordinatorKey, c.cfg.InstanceID)
}

func (c *Coordinator) reconcile(ctx context.Context, snap heartbeat.Snapshot) error {
	leases, err := c.mgr.List(ctx)
	if err != nil {
		return err
	}
	now := c.mgr.Now()

	load := map[string]int{}
	for _, l := range leases {
		if l.Destination != lease.CoordinatorKey && l.Active(now) {
			load[l.Holder]++
		}
	}

	sort.Slice(leases, func(i, j int) bool { return leases[i].Destination < leases[j].Destination })
	for _, l := range leases {
		if ctx.Err() != nil {
			return nil
		}
		if l.Destination == lease.CoordinatorKey {
			continue
		}

		c.mu.Lock()
		deadHolder, isPending := c.pending[l.Destination]
		c.mu.Unlock()

		switch {
		case l.Holder != "":
			inst, known := snap.Get(l.Holder)
			if !known || inst.Status != domain.StatusDead {
				// Unknown holders are left to lease expiry and the keepers.
				if isPending {
					c.clearPending(l.Destination)
				}
				continue
			}
			deadHolder = l.Holder
		case isPending:
			if l.Active(now) {
				c.clearPending(l.Destination)
				continue
			}
		default:
			continue
		}

		c.moveOne(ctx, snap, l, deadHolder, load)
	}
	return nil
}

func (c *Coordinator) moveOne(ctx context.Context, snap heartbeat.Snapshot, l domain.Lease, deadHolder string, load map[string]int) {
	dest, err := c.content.GetDestination(ctx, l.Destination)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.log.Warn("destination lookup failed", logx.Int64("destination", l.Destination), logx.Err(err))
		return
	}
	if errors.Is(err, domain.ErrNotFound) || !dest.Active {
		if l.Holder != "" {
			if _, err := c.mgr.Reassign(ctx, l.Destination, ""); err != nil {
				c.log.Warn("revoke failed", logx.Int64("destination", l.Destination), logx.Err(err))
			}
		}
		c.clearPending(l.Destination)
		return
	}

	target, ok := pickCandidate(snap, dest.Category, load)
	if !ok {
		if l.Holder != "" {
			if _, err := c.mgr.Reassign(ctx, l.Destination, ""); err != nil {
				c.log.Warn("revoke failed", logx.Int64("destination", l.Destination), logx.Err(err))
				return
			}
			load[l.Holder]--
		}
		c.mu.Lock()
		_, already := c.pending[l.Destination]
		c.pending[l.Destination] = deadHolder
		c.mu.Unlock()
		if !already {
			c.raise(domain.FailureReport{
				Kind:        domain.ReportNoHealthyInstance,
				Destination: l.Destination,
				Instance:    deadHolder,
				Err:         "no live instance serves category " + dest.Category,
			})
		}
		return
	}

	moved, err := c.mgr.Reassign(ctx, l.Destination, target.ID)
	if err != nil {
		c.log.Warn("reassign failed", logx.Int64("destination", l.Destination), logx.String("to", target.ID), logx.Err(err))
		return
	}
	if l.Holder != "" {
		load[l.Holder]--
	}
	load[target.ID]++
	c.clearPending(l.Destination)
	c.log.Info("destination failed over",
		logx.Int64("destination", l.Destination),
		logx.String("from", deadHolder),
		logx.String("to", target.ID),
		logx.Int64("token", moved.Token),
	)
	c.raise(domain.FailureReport{
		Kind:        domain.ReportInstanceFailover,
		Destination: l.Destination,
		Instance:    deadHolder,
		NewHolder:   target.ID,
	})
}

func (c *Coordinator) clearPending(destination int64) {
	c.mu.Lock()
	delete(c.pending, destination)
	c.mu.Unlock()
}

func (c *Coordinator) raise(r domain.FailureReport) {
	if r.At.IsZero() {
		r.At = c.mgr.Now()
	}
	eventbus.Emit(c.bus, eventbus.ReportRaised, r)
	c.reporter.Notify(r)
}

// pickCandidate returns the Live instance serving category with the fewest
// leases, then the freshest heartbeat, then the smallest id.
func pickCandidate(snap heartbeat.Snapshot, category string, load map[string]int) (domain.BotInstance, bool) {
	var cands []domain.BotInstance
	for _, b := range snap.Instances {
		if b.Status == domain.StatusLive && b.Serves(category) {
			cands = append(cands, b)
		}
	}
	if len(cands) == 0 {
		return domain.BotInstance{}, false
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if load[a.ID] != load[b.ID] {
			return load[a.ID] < load[b.ID]
		}
		if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
			return a.LastHeartbeat.After(b.LastHeartbeat)
		}
		return a.ID < b.ID
	})
	return cands[0], true
}
