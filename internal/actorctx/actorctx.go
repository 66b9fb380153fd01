// Package actorctx implements the "transaction-local actor context" of
// spec §4.1 and §9: an explicit struct constructed once per caller
// transaction and threaded into every store method that emits an audit
// event, instead of package-level mutable state or Go's context.Context
// value bag (which would make the binding implicit and easy to forget
// to clear).
package actorctx

import (
	"net"

	"github.com/lavente-platform/iam-core/internal/validate"
)

// Context carries the scoped key-value bindings spec §4.1 names:
// actor_id, request_id, ip_address, user_agent, on_behalf_of, reason.
// All fields are optional except where a specific operation requires
// Reason (impersonation start).
type Context struct {
	ActorID    string
	RequestID  string
	IPAddress  string
	UserAgent  string
	OnBehalfOf string
	Reason     string
}

// New validates and constructs an actor context. Setting an invalid IP
// fails immediately here, not later during audit emission, per spec §4.1.
func New(actorID, requestID, ipAddress, userAgent, onBehalfOf, reason string) (Context, error) {
	if ipAddress != "" && net.ParseIP(ipAddress) == nil {
		return Context{}, validate.Invalid("ip_address", "is not a valid IP address")
	}
	return Context{
		ActorID:    actorID,
		RequestID:  requestID,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		OnBehalfOf: onBehalfOf,
		Reason:     reason,
	}, nil
}

// Empty is the zero-value actor context, used by background sweeps
// that act without a human caller (partition creation, expired
// reservation release).
var Empty = Context{}
