// Package notifier is the admin notification sink for failure reports.
//
// Notify never blocks the caller: reports are queued and a small worker pool
// appends each one to the durable report log and, when enabled, sends it to
// every configured admin chat. Sends are rate limited, retried with backoff
// and deduplicated per (kind, destination, instance) within a window.
// Delivery failures are logged and published on the event bus, never returned.
package notifier
