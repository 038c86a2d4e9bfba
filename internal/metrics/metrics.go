// Package metrics provides interfaces and implementations for collecting
// greylistd server metrics. This package defines the Collector interface
// for recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording greylistd metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()

	// DecisionMade records a policy decision by the verb returned to the MTA.
	DecisionMade(verb string)

	// WhitelistHit records which matcher short-circuited the decision.
	WhitelistHit(matcher string)

	// StoreError records a transient store failure by backend and operation.
	StoreError(backend, op string)

	// SweepDeleted records how many keys a maintenance pass removed from a store.
	SweepDeleted(store string, n int)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
