// Package principal contains domain types for authenticated principals.
package principal

import "time"

// Type identifies the class of entity making a request.
type Type string

const (
	// TypeHuman is an interactive user.
	TypeHuman Type = "human"
	// TypeAgent is an autonomous AI agent.
	TypeAgent Type = "agent"
	// TypeService is a machine-to-machine caller.
	TypeService Type = "service"
	// TypeDevice is a hardware endpoint.
	TypeDevice Type = "device"
)

// TrustLevel classifies how much the gateway trusts a principal.
type TrustLevel string

const (
	// TrustTrusted principals pass the lowest-friction policy path.
	TrustTrusted TrustLevel = "trusted"
	// TrustLimited principals are subject to tightened constraints.
	TrustLimited TrustLevel = "limited"
	// TrustUntrusted principals only reach low-sensitivity capabilities.
	TrustUntrusted TrustLevel = "untrusted"
)

// Principal is the authenticated entity bound to a request.
// It is built once per request from a validated token and is immutable
// for the lifetime of that request.
type Principal struct {
	// ID uniquely identifies the principal.
	ID string
	// Type is the principal class (human, agent, service, device).
	Type Type
	// Role is the principal's primary role for policy matching.
	Role string
	// Teams are the team memberships carried from the token.
	Teams []string
	// TrustLevel is carried through from the token unchanged.
	TrustLevel TrustLevel
	// Capabilities are capability ids granted directly on the token, if any.
	Capabilities []string
	// Attributes are free-form claims available to policy conditions.
	Attributes map[string]any
	// PeerAddress is the network address the request arrived from.
	PeerAddress string
	// AuthenticatedAt is when the token was validated (UTC).
	AuthenticatedAt time.Time
}
