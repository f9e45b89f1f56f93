package interfaces

import "proctorhub/pkg/types"

// Peer is the send side of one live connection.
type Peer interface {
	// Send queues a frame for the connection without blocking. An error
	// means the frame was not queued (closed or saturated connection);
	// callers treat it as a skipped delivery.
	Send(frame *types.Outbound) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}
