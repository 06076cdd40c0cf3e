package eventbus

// Event types published by the supervision and delivery components.
const (
	LeaseAcquired   = "lease.acquired"
	LeaseReleased   = "lease.released"
	LeaseReassigned = "lease.reassigned"
	LeaseLost       = "lease.lost"

	InstanceStatusChanged = "instance.status"
	LeadershipChanged     = "failover.leadership"

	JobScheduled = "job.scheduled"
	JobSent      = "job.sent"
	JobStale     = "job.stale"
	JobDropped   = "job.dropped"
	JobRetry     = "job.retry"

	ReportRaised = "report.raised"
	ReportSent   = "report.sent"

	NotifierFailed = "notifier.failed"
)
