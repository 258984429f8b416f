package gateway

import "errors"

var (
	// ErrInvalidInput covers malformed addresses and missing required
	// fields. Rejected before any job is scheduled, never persisted.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidKey means a delete precondition failed: the message has no
	// transport message id or its receiver is not a canonical identity.
	ErrInvalidKey = errors.New("invalid message key")

	// ErrRetractFailed means the transport refused to retract the message;
	// the record is preserved.
	ErrRetractFailed = errors.New("transport refused retraction")
)
