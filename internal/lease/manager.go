package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"castbot/internal/domain"
	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

// CoordinatorKey is the lease key used for failover leader election.
// Telegram never assigns chat id 0, so it cannot collide with a destination.
const CoordinatorKey int64 = 0

type Config struct {
	TTL       time.Duration
	OpTimeout time.Duration
	// MaxConflicts bounds the CAS retry loop in Reassign.
	MaxConflicts int
}

// Manager grants, renews and revokes destination leases on top of a
// compare-and-swap store. Every ownership change mints a larger fencing token.
type Manager struct {
	store domain.LeaseStore
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now. Tests use it to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store domain.LeaseStore, cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 90 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 3 * time.Second
	}
	if cfg.MaxConflicts <= 0 {
		cfg.MaxConflicts = 16
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{store: store, cfg: cfg, log: log, bus: bus, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration { return m.cfg.TTL }

func (m *Manager) Now() time.Time { return m.now() }

func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.OpTimeout)
}

// Acquire takes an unleased or expired destination for instanceID.
// When instanceID already holds the unexpired lease it is returned unchanged.
func (m *Manager) Acquire(ctx context.Context, destination int64, instanceID string) (domain.Lease, error) {
	if instanceID == "" {
		return domain.Lease{}, errors.New("lease: acquire with empty instance id")
	}
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	cur, ok, err := m.store.ReadLease(ctx, destination)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("lease: read %d: %w", destination, err)
	}
	now := m.now()
	if ok && cur.Active(now) {
		if cur.Holder == instanceID {
			return cur, nil
		}
		return domain.Lease{}, domain.ErrAlreadyLeased
	}

	expected := domain.Lease{Destination: destination}
	if ok {
		expected = cur
	}
	next := domain.Lease{
		Destination: destination,
		Holder:      instanceID,
		Token:       expected.Token + 1,
		Expiry:      now.Add(m.cfg.TTL),
	}
	swapped, err := m.store.CompareAndSwapLease(ctx, expected, next)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("lease: acquire %d: %w", destination, err)
	}
	if !swapped {
		return domain.Lease{}, domain.ErrAlreadyLeased
	}
	m.log.Debug("lease acquired", logx.Int64("destination", destination), logx.String("holder", instanceID), logx.Int64("token", next.Token))
	eventbus.Emit(m.bus, eventbus.LeaseAcquired, next)
	return next, nil
}

// Renew extends the lease only if instanceID still holds it with token and it has
// not expired. Any other outcome, including store errors and timeouts, is
// reported as ErrStaleToken so callers fail toward not sending.
func (m *Manager) Renew(ctx context.Context, destination int64, instanceID string, token int64) (domain.Lease, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	cur, ok, err := m.store.ReadLease(ctx, destination)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("%w: read %d: %v", domain.ErrStaleToken, destination, err)
	}
	now := m.now()
	if !ok || cur.Token != token || !cur.HeldBy(instanceID, now) {
		return domain.Lease{}, domain.ErrStaleToken
	}
	next := cur
	next.Expiry = now.Add(m.cfg.TTL)
	swapped, err := m.store.CompareAndSwapLease(ctx, cur, next)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("%w: renew %d: %v", domain.ErrStaleToken, destination, err)
	}
	if !swapped {
		return domain.Lease{}, domain.ErrStaleToken
	}
	return next, nil
}

// Release gives up a lease held by instanceID. The token is bumped so any job
// still carrying the old token becomes stale. Releasing a lease held by someone
// else is a no-op.
func (m *Manager) Release(ctx context.Context, destination int64, instanceID string) error {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	cur, ok, err := m.store.ReadLease(ctx, destination)
	if err != nil {
		return fmt.Errorf("lease: read %d: %w", destination, err)
	}
	if !ok || cur.Holder != instanceID || instanceID == "" {
		return nil
	}
	next := domain.Lease{Destination: destination, Token: cur.Token + 1}
	swapped, err := m.store.CompareAndSwapLease(ctx, cur, next)
	if err != nil {
		return fmt.Errorf("lease: release %d: %w", destination, err)
	}
	if !swapped {
		// Someone else changed the lease first; it is no longer ours to release.
		return nil
	}
	m.log.Debug("lease released", logx.Int64("destination", destination), logx.String("holder", instanceID))
	eventbus.Emit(m.bus, eventbus.LeaseReleased, next)
	return nil
}

// Reassign unconditionally moves the lease to newInstanceID with a fresh token.
// An empty newInstanceID revokes the lease and leaves the destination unleased.
// Only the failover coordinator may call it.
func (m *Manager) Reassign(ctx context.Context, destination int64, newInstanceID string) (domain.Lease, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	for attempt := 0; attempt < m.cfg.MaxConflicts; attempt++ {
		cur, ok, err := m.store.ReadLease(ctx, destination)
		if err != nil {
			return domain.Lease{}, fmt.Errorf("lease: read %d: %w", destination, err)
		}
		expected := domain.Lease{Destination: destination}
		if ok {
			expected = cur
		}
		now := m.now()
		next := domain.Lease{Destination: destination, Holder: newInstanceID, Token: expected.Token + 1}
		if newInstanceID != "" {
			next.Expiry = now.Add(m.cfg.TTL)
		}
		swapped, err := m.store.CompareAndSwapLease(ctx, expected, next)
		if err != nil {
			return domain.Lease{}, fmt.Errorf("lease: reassign %d: %w", destination, err)
		}
		if swapped {
			m.log.Info("lease reassigned",
				logx.Int64("destination", destination),
				logx.String("from", expected.Holder),
				logx.String("to", newInstanceID),
				logx.Int64("token", next.Token),
			)
			eventbus.Emit(m.bus, eventbus.LeaseReassigned, next)
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return domain.Lease{}, fmt.Errorf("lease: reassign %d: %w", destination, err)
		}
	}
	return domain.Lease{}, fmt.Errorf("lease: reassign %d: gave up after %d conflicts", destination, m.cfg.MaxConflicts)
}

// Supersede takes the lease from from, even when it has not expired yet. It
// fails with ErrAlreadyLeased when the current holder is anyone else, so at
// most one of several racing instances wins.
func (m *Manager) Supersede(ctx context.Context, destination int64, from, instanceID string) (domain.Lease, error) {
	if from == "" || instanceID == "" {
		return domain.Lease{}, errors.New("lease: supersede with empty instance id")
	}
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	cur, ok, err := m.store.ReadLease(ctx, destination)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("lease: read %d: %w", destination, err)
	}
	if !ok || cur.Holder != from {
		return domain.Lease{}, domain.ErrAlreadyLeased
	}
	next := domain.Lease{Destination: destination, Holder: instanceID, Token: cur.Token + 1, Expiry: m.now().Add(m.cfg.TTL)}
	swapped, err := m.store.CompareAndSwapLease(ctx, cur, next)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("lease: supersede %d: %w", destination, err)
	}
	if !swapped {
		return domain.Lease{}, domain.ErrAlreadyLeased
	}
	m.log.Info("lease superseded", logx.Int64("destination", destination), logx.String("from", from), logx.String("to", instanceID), logx.Int64("token", next.Token))
	eventbus.Emit(m.bus, eventbus.LeaseAcquired, next)
	return next, nil
}

func (m *Manager) Get(ctx context.Context, destination int64) (domain.Lease, bool, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	return m.store.ReadLease(ctx, destination)
}

func (m *Manager) List(ctx context.Context) ([]domain.Lease, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	return m.store.ListLeases(ctx)
}

// HeldBy lists the unexpired destination leases held by instanceID.
func (m *Manager) HeldBy(ctx context.Context, instanceID string) ([]domain.Lease, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]domain.Lease, 0, len(all))
	for _, l := range all {
		if l.Destination != CoordinatorKey && l.HeldBy(instanceID, now) {
			out = append(out, l)
		}
	}
	return out, nil
}
