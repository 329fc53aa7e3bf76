package chat

import "errors"

var (
	// ErrMissingIdentity rejects a connection attempt that carries no identity claim.
	ErrMissingIdentity = errors.New("missing identity")

	ErrStoreUnavailable = errors.New("message store unavailable")
	ErrAppendFailed     = errors.New("message append failed")
	ErrMessageNotFound  = errors.New("message not found")

	// ErrDeliveryFailed is scoped to one recipient and never aborts a broadcast.
	ErrDeliveryFailed = errors.New("delivery failed")

	ErrTransportClosed = errors.New("transport closed")
)
