package lease

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"castbot/internal/domain"
	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

// Liveness reports the monitor's view of an instance. Unknown instances return "".
type Liveness interface {
	Status(instanceID string) domain.InstanceStatus
}

type KeeperConfig struct {
	InstanceID    string
	Scope         []string
	RenewInterval time.Duration
	// Quarantine keeps a destination that failed permanently from being re-claimed.
	Quarantine time.Duration
}

// Held is a lease this instance currently owns, with the destination it covers.
type Held struct {
	Lease       domain.Lease
	Destination domain.Destination
}

// Keeper maintains this instance's own leases: it renews what it holds and
// claims destinations that are assigned to it or orphaned within its scope.
type Keeper struct {
	cfg     KeeperConfig
	mgr     *Manager
	content domain.ContentStore
	live    Liveness
	log     logx.Logger
	bus     eventbus.Bus

	// tickMu keeps ReleaseAll from racing an in-flight claim pass.
	tickMu sync.Mutex

	mu         sync.Mutex
	held       map[int64]Held
	quarantine map[int64]time.Time
	stopped    bool
}

func NewKeeper(cfg KeeperConfig, mgr *Manager, content domain.ContentStore, live Liveness, log logx.Logger, bus eventbus.Bus) *Keeper {
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 15 * time.Second
	}
	if cfg.Quarantine <= 0 {
		cfg.Quarantine = 30 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Keeper{
		cfg:        cfg,
		mgr:        mgr,
		content:    content,
		live:       live,
		log:        log,
		bus:        bus,
		held:       map[int64]Held{},
		quarantine: map[int64]time.Time{},
	}
}

// Run renews and claims on every interval until ctx is canceled.
func (k *Keeper) Run(ctx context.Context) error {
	t := time.NewTicker(k.cfg.RenewInterval)
	defer t.Stop()
	k.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			k.Tick(ctx)
		}
	}
}

func (k *Keeper) Tick(ctx context.Context) {
	k.tickMu.Lock()
	defer k.tickMu.Unlock()
	k.mu.Lock()
	stopped := k.stopped
	k.mu.Unlock()
	if stopped {
		return
	}
	k.renewAll(ctx)
	if k.live != nil && k.live.Status(k.cfg.InstanceID) != domain.StatusLive {
		return
	}
	if err := k.claim(ctx); err != nil && ctx.Err() == nil {
		k.log.Warn("claim pass failed", logx.Err(err))
	}
}

func (k *Keeper) renewAll(ctx context.Context) {
	for _, h := range k.Held() {
		l, err := k.mgr.Renew(ctx, h.Lease.Destination, k.cfg.InstanceID, h.Lease.Token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.drop(h.Lease.Destination)
			k.log.Warn("lease lost", logx.Int64("destination", h.Lease.Destination), logx.Int64("token", h.Lease.Token), logx.Err(err))
			eventbus.Emit(k.bus, eventbus.LeaseLost, h.Lease)
			continue
		}
		k.mu.Lock()
		if cur, ok := k.held[l.Destination]; ok && cur.Lease.Token == l.Token {
			cur.Lease = l
			k.held[l.Destination] = cur
		}
		k.mu.Unlock()
	}
}

func (k *Keeper) claim(ctx context.Context) error {
	dests, err := k.content.ListDestinations(ctx)
	if err != nil {
		return err
	}
	leases, err := k.mgr.List(ctx)
	if err != nil {
		return err
	}
	byDest := make(map[int64]domain.Lease, len(leases))
	for _, l := range leases {
		byDest[l.Destination] = l
	}
	now := k.mgr.Now()
	self := k.cfg.InstanceID

	for _, d := range dests {
		if ctx.Err() != nil {
			return nil
		}
		held, isHeld := k.get(d.ChatID)
		if !d.Active || (!domain.ScopeIncludes(k.cfg.Scope, d.Category) && d.AssignedInstance != self) {
			if isHeld {
				k.log.Info("releasing destination outside of scope", logx.Int64("destination", d.ChatID), logx.String("category", d.Category))
				if err := k.mgr.Release(ctx, d.ChatID, self); err != nil {
					k.log.Warn("release failed", logx.Int64("destination", d.ChatID), logx.Err(err))
				}
				k.drop(d.ChatID)
			}
			continue
		}
		if isHeld {
			held.Destination = d
			k.mu.Lock()
			if cur, ok := k.held[d.ChatID]; ok && cur.Lease.Token == held.Lease.Token {
				k.held[d.ChatID] = held
			}
			k.mu.Unlock()
			continue
		}
		if k.quarantined(d.ChatID, now) {
			continue
		}
		if l, ok := byDest[d.ChatID]; ok && l.Active(now) && l.Holder != self {
			continue
		}
		if d.AssignedInstance != "" && d.AssignedInstance != self && k.peerAlive(d.AssignedInstance) {
			continue
		}

		l, err := k.mgr.Acquire(ctx, d.ChatID, self)
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyLeased) {
				continue
			}
			k.log.Warn("acquire failed", logx.Int64("destination", d.ChatID), logx.Err(err))
			continue
		}
		k.mu.Lock()
		k.held[d.ChatID] = Held{Lease: l, Destination: d}
		k.mu.Unlock()
		k.log.Info("destination claimed", logx.Int64("destination", d.ChatID), logx.String("category", d.Category), logx.Int64("token", l.Token))
	}
	return nil
}

func (k *Keeper) peerAlive(id string) bool {
	if k.live == nil {
		return false
	}
	switch k.live.Status(id) {
	case domain.StatusLive, domain.StatusStarting, domain.StatusSuspect:
		return true
	default:
		return false
	}
}

func (k *Keeper) get(destination int64) (Held, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	h, ok := k.held[destination]
	return h, ok
}

func (k *Keeper) drop(destination int64) {
	k.mu.Lock()
	delete(k.held, destination)
	k.mu.Unlock()
}

func (k *Keeper) quarantined(destination int64, now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	until, ok := k.quarantine[destination]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(k.quarantine, destination)
		return false
	}
	return true
}

// Held returns a snapshot of owned leases ordered by destination.
func (k *Keeper) Held() []Held {
	k.mu.Lock()
	out := make([]Held, 0, len(k.held))
	for _, h := range k.held {
		out = append(out, h)
	}
	k.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Lease.Destination < out[j].Lease.Destination })
	return out
}

// Lookup returns the owned lease for destination, if any.
func (k *Keeper) Lookup(destination int64) (Held, bool) {
	return k.get(destination)
}

// Quarantine forgets destination and refuses to claim it until the quarantine ends.
func (k *Keeper) Quarantine(destination int64) {
	k.mu.Lock()
	delete(k.held, destination)
	k.quarantine[destination] = k.mgr.Now().Add(k.cfg.Quarantine)
	k.mu.Unlock()
}

// ReleaseAll stops claiming and releases every owned lease. Used on graceful shutdown.
func (k *Keeper) ReleaseAll(ctx context.Context) error {
	k.tickMu.Lock()
	defer k.tickMu.Unlock()
	k.mu.Lock()
	k.stopped = true
	k.mu.Unlock()

	var errs []error
	for _, h := range k.Held() {
		if err := k.mgr.Release(ctx, h.Lease.Destination, k.cfg.InstanceID); err != nil {
			errs = append(errs, err)
			continue
		}
		k.drop(h.Lease.Destination)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	k.log.Info("all leases released")
	return nil
}
