// Package transport defines the seam to the external messaging network.
//
// The gateway keeps one logical session: every reachability check, send and
// retraction funnels through the same Transport value, owned by the app and
// passed by reference. The wire protocol behind it (handshake, encryption,
// session persistence, reconnect policy) is the implementation's problem.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable means no active session exists. It is distinct from a send
// failure: callers outside a job surface it for retry, the delivery job
// records it as the job's failReason.
var ErrUnavailable = errors.New("transport unavailable")

// Session states, in the order the underlying socket moves through them.
const (
	StateConnecting    = "connecting"
	StateConnected     = "connected"
	StateDisconnecting = "disconnecting"
	StateDisconnected  = "disconnected"
)

// Delivery status codes as reported by the messaging network.
const (
	StatusError       = "ERROR"
	StatusPending     = "PENDING"
	StatusServerAck   = "SERVER_ACK"
	StatusDeliveryAck = "DELIVERY_ACK"
	StatusRead        = "READ"
	StatusPlayed      = "PLAYED"
)

// SendResult is what the network hands back when it accepts a send.
type SendResult struct {
	TransportMessageID string
	StatusCode         string
}

type Transport interface {
	// Open establishes the session. Implementations own reconnects.
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	IsOpen() bool
	State() string

	// IsReachable reports whether the identity is active on the network.
	// Fails with ErrUnavailable when no session exists.
	IsReachable(ctx context.Context, jid string) (bool, error)

	// Send delivers payload to jid and returns the network's message id
	// and initial status code.
	Send(ctx context.Context, jid string, payload json.RawMessage) (SendResult, error)

	// Retract asks the network to delete a previously sent message.
	// A false result means the network refused; the caller must keep its
	// own record in that case.
	Retract(ctx context.Context, jid, transportMessageID string) (bool, error)
}
