package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Local, expected race outcomes. They are never surfaced to administrators.
var (
	ErrAlreadyLeased = errors.New("destination already leased")
	ErrStaleToken    = errors.New("stale fencing token")
	ErrNotFound      = errors.New("not found")
)

// ReportKind classifies failures routed to the admin sink.
type ReportKind string

const (
	ReportNoHealthyInstance      ReportKind = "no_healthy_instance"
	ReportInstanceFailover       ReportKind = "instance_failover"
	ReportDeliveryFailed         ReportKind = "delivery_failed"
	ReportDestinationUnavailable ReportKind = "destination_unavailable"
)

// Level maps a report kind to the severity used in admin messages.
func (k ReportKind) Level() string {
	switch k {
	case ReportNoHealthyInstance, ReportDestinationUnavailable:
		return "ERROR"
	default:
		return "WARN"
	}
}

// FailureReport describes an event that needs an operator's attention.
// Reports are delivered once and never retried by the core.
type FailureReport struct {
	Kind        ReportKind `json:"kind"`
	Destination int64      `json:"destination,omitempty"`
	Instance    string     `json:"instance,omitempty"`
	NewHolder   string     `json:"new_holder,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	Err         string     `json:"err,omitempty"`
	At          time.Time  `json:"at"`
}

func (r FailureReport) String() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(r.Kind.Level())
	b.WriteString("] ")
	switch r.Kind {
	case ReportInstanceFailover:
		fmt.Fprintf(&b, "instance %s is dead; destination %d reassigned to %s", r.Instance, r.Destination, r.NewHolder)
	case ReportNoHealthyInstance:
		fmt.Fprintf(&b, "instance %s is dead; no healthy instance can take destination %d", r.Instance, r.Destination)
	case ReportDeliveryFailed:
		fmt.Fprintf(&b, "delivery to %d failed after %d attempts", r.Destination, r.Attempts)
	case ReportDestinationUnavailable:
		fmt.Fprintf(&b, "destination %d is unavailable to %s; lease released", r.Destination, r.Instance)
	default:
		fmt.Fprintf(&b, "%s destination=%d instance=%s", r.Kind, r.Destination, r.Instance)
	}
	if r.Err != "" {
		b.WriteString(": ")
		b.WriteString(r.Err)
	}
	return b.String()
}
