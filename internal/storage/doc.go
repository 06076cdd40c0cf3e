// Package storage provides the shared persistence layer.
//
// It holds:
//   - destination leases with compare-and-swap semantics
//   - instance heartbeats
//   - category content and destinations (written by the admin tooling)
//   - the failover and delivery failure log
package storage
