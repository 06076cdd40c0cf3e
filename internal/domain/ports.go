package domain

import "context"

// ContentStore is the read side of the content layer maintained by the admin tooling.
type ContentStore interface {
	GetCategoryContent(ctx context.Context, slug string) (CategoryContent, error)
	GetDestination(ctx context.Context, chatID int64) (Destination, error)
	GetDestinationsByInstance(ctx context.Context, instanceID string) ([]Destination, error)
	ListDestinations(ctx context.Context) ([]Destination, error)
}

// LeaseStore is the durable, linearizable lease record.
//
// CompareAndSwapLease replaces the record for next.Destination only if the stored
// token and holder equal expected. An expected token of zero means no record exists yet.
type LeaseStore interface {
	ReadLease(ctx context.Context, destination int64) (Lease, bool, error)
	CompareAndSwapLease(ctx context.Context, expected, next Lease) (bool, error)
	ListLeases(ctx context.Context) ([]Lease, error)
}

type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, hb Heartbeat) error
	ListHeartbeats(ctx context.Context) ([]Heartbeat, error)
}

// ReportLog keeps the failover and delivery failure history.
type ReportLog interface {
	AppendReport(ctx context.Context, r FailureReport) error
	RecentReports(ctx context.Context, limit int) ([]FailureReport, error)
}

// Reporter is the admin notification sink. Notify must not block on delivery.
type Reporter interface {
	Notify(r FailureReport)
}

type ReporterFunc func(r FailureReport)

func (f ReporterFunc) Notify(r FailureReport) { f(r) }
