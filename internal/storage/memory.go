package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"castbot/internal/domain"
)

// Memory is a process-local Store. All operations are linearizable under one mutex.
type Memory struct {
	mu           sync.Mutex
	leases       map[int64]domain.Lease
	heartbeats   map[string]domain.Heartbeat
	categories   map[string]domain.CategoryContent
	destinations map[int64]domain.Destination
	reports      []domain.FailureReport
	closed       bool
}

func NewMemory() *Memory {
	return &Memory{
		leases:       map[int64]domain.Lease{},
		heartbeats:   map[string]domain.Heartbeat{},
		categories:   map[string]domain.CategoryContent{},
		destinations: map[int64]domain.Destination{},
	}
}

func (m *Memory) ReadLease(ctx context.Context, destination int64) (domain.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Lease{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.Lease{}, false, ErrDisabled
	}
	l, ok := m.leases[destination]
	return l, ok, nil
}

func (m *Memory) CompareAndSwapLease(ctx context.Context, expected, next domain.Lease) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrDisabled
	}
	cur, ok := m.leases[next.Destination]
	if expected.Token == 0 {
		if ok {
			return false, nil
		}
	} else if !ok || cur.Token != expected.Token || cur.Holder != expected.Holder {
		return false, nil
	}
	m.leases[next.Destination] = next
	return true, nil
}

func (m *Memory) ListLeases(ctx context.Context) ([]domain.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Lease, 0, len(m.leases))
	for _, l := range m.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out, nil
}

func (m *Memory) UpsertHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	hb.Scope = slices.Clone(hb.Scope)
	m.heartbeats[hb.InstanceID] = hb
	return nil
}

func (m *Memory) ListHeartbeats(ctx context.Context) ([]domain.Heartbeat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Heartbeat, 0, len(m.heartbeats))
	for _, hb := range m.heartbeats {
		hb.Scope = slices.Clone(hb.Scope)
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (m *Memory) GetCategoryContent(ctx context.Context, slug string) (domain.CategoryContent, error) {
	if err := ctx.Err(); err != nil {
		return domain.CategoryContent{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[slug]
	if !ok {
		return domain.CategoryContent{}, domain.ErrNotFound
	}
	c.Media = slices.Clone(c.Media)
	c.Copy = slices.Clone(c.Copy)
	c.Buttons = slices.Clone(c.Buttons)
	return c, nil
}

func (m *Memory) GetDestination(ctx context.Context, chatID int64) (domain.Destination, error) {
	if err := ctx.Err(); err != nil {
		return domain.Destination{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.destinations[chatID]
	if !ok {
		return domain.Destination{}, domain.ErrNotFound
	}
	return d, nil
}

func (m *Memory) GetDestinationsByInstance(ctx context.Context, instanceID string) ([]domain.Destination, error) {
	all, err := m.ListDestinations(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if d.AssignedInstance == instanceID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) ListDestinations(ctx context.Context) ([]domain.Destination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Destination, 0, len(m.destinations))
	for _, d := range m.destinations {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (m *Memory) PutCategory(ctx context.Context, c domain.CategoryContent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[c.Slug] = c
	return nil
}

func (m *Memory) PutDestination(ctx context.Context, d domain.Destination) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destinations[d.ChatID] = d
	return nil
}

func (m *Memory) AppendReport(ctx context.Context, r domain.FailureReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	if len(m.reports) > 1000 {
		m.reports = m.reports[len(m.reports)-1000:]
	}
	return nil
}

func (m *Memory) RecentReports(ctx context.Context, limit int) ([]domain.FailureReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.reports) {
		limit = len(m.reports)
	}
	out := make([]domain.FailureReport, 0, limit)
	for i := len(m.reports) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.reports[i])
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
