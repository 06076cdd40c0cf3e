package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"castbot/internal/domain"
)

var ErrQueueClosed = errors.New("dispatch queue closed")

type Policy string

const (
	// PolicyBlock makes Submit wait for room, honoring ctx.
	PolicyBlock Policy = "block"
	// PolicyDropOldest evicts the oldest queued job to make room.
	PolicyDropOldest Policy = "drop_oldest"
)

func ParsePolicy(s string) Policy {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyDropOldest:
		return PolicyDropOldest
	default:
		return PolicyBlock
	}
}

// Queue is the bounded hand-off between the scheduler and dispatcher workers.
// The channel is never closed; Close only stops intake.
type Queue struct {
	ch     chan domain.DeliveryJob
	policy Policy

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	dropped atomic.Uint64
	onDrop  func(domain.DeliveryJob)
}

func NewQueue(size int, policy Policy) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan domain.DeliveryJob, size), policy: policy, done: make(chan struct{})}
}

// OnDrop registers a callback for jobs evicted by PolicyDropOldest.
func (q *Queue) OnDrop(fn func(domain.DeliveryJob)) { q.onDrop = fn }

func (q *Queue) Submit(ctx context.Context, job domain.DeliveryJob) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if q.policy == PolicyDropOldest {
		for {
			select {
			case q.ch <- job:
				return nil
			default:
			}
			select {
			case old := <-q.ch:
				q.dropped.Add(1)
				if q.onDrop != nil {
					q.onDrop(old)
				}
			default:
			}
		}
	}
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Close stops intake. Jobs already queued stay available to workers.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)
	})
}

func (q *Queue) Closed() <-chan struct{} { return q.done }

func (q *Queue) Jobs() <-chan domain.DeliveryJob { return q.ch }

func (q *Queue) Len() int        { return len(q.ch) }
func (q *Queue) Cap() int        { return cap(q.ch) }
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
