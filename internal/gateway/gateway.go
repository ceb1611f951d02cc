// Package gateway holds the network front ends of the grading service.
// Subpackage httpapi serves REST and SSE; ws serves the streaming
// WebSocket protocol and can also run on its own listener.
package gateway

import "context"

// Gateway is a listener that serve runs alongside the others.
type Gateway interface {
	// Start blocks until ctx ends or the listener fails.
	Start(ctx context.Context) error

	// Stop drains in-flight gradings until ctx's deadline.
	Stop(ctx context.Context) error
}
