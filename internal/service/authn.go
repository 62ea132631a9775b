package service

import (
	"context"

	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
	"github.com/apathy-ca/sark-sub006/internal/domain/principal"
)

// AuthnService routes token resolution: API keys by their stable prefix,
// everything else to the JWT resolver. Resolution failures are uniform
// auth errors; callers cannot distinguish unknown key from bad signature.
type AuthnService struct {
	apiKeys principal.Resolver
	jwt     principal.Resolver
}

var _ principal.Resolver = (*AuthnService)(nil)

// NewAuthnService creates the resolver router.
func NewAuthnService(apiKeys, jwt principal.Resolver) *AuthnService {
	return &AuthnService{apiKeys: apiKeys, jwt: jwt}
}

// Resolve validates the token and returns the bound principal.
func (s *AuthnService) Resolve(ctx context.Context, token, peerAddress string) (*principal.Principal, error) {
	if token == "" {
		return nil, fault.New(fault.KindAuth, "missing credentials")
	}
	if principal.Handles(token) {
		return s.apiKeys.Resolve(ctx, token, peerAddress)
	}
	if s.jwt == nil {
		return nil, fault.New(fault.KindAuth, "invalid credentials")
	}
	return s.jwt.Resolve(ctx, token, peerAddress)
}
