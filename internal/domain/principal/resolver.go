package principal

import "context"

// Resolver binds an opaque identity token and peer address to a Principal.
//
// Implementations must be pure on the hot path: no external calls during
// Resolve. Signing keys are cached with bounded refresh out of band.
type Resolver interface {
	// Resolve validates token and returns the bound Principal.
	// Fails with a fault.KindAuth error when the token signature, issuer,
	// audience, or expiry is invalid.
	Resolve(ctx context.Context, token, peerAddress string) (*Principal, error)
}
