package auth

import (
	"net/http"

	"sitespectral.org/internal/session"
)

// Provider resolves an identity from request-borne credentials. A nil
// identity with a nil error means the provider saw no credentials at all;
// the chain then moves on to the next provider.
type Provider interface {
	Name() string
	TryResolve(r *http.Request) (*Identity, error)
}

// Chain consults providers in order. The first provider that sees
// credentials decides the outcome; later providers are not fallbacks for
// invalid credentials, only for absent ones.
type Chain struct {
	providers []Provider
}

func NewChain(providers ...Provider) *Chain {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			out = append(out, p)
		}
	}
	return &Chain{providers: out}
}

// Resolve walks the chain. Returns the identity and the resolving provider's
// name, or (nil, "", nil) when no provider saw credentials.
func (c *Chain) Resolve(r *http.Request) (*Identity, string, error) {
	for _, p := range c.providers {
		id, err := p.TryResolve(r)
		if err != nil {
			return nil, p.Name(), err
		}
		if id != nil {
			return id, p.Name(), nil
		}
	}
	return nil, "", nil
}

// CookieProvider verifies the assertion carried by the session cookie.
type CookieProvider struct {
	Tokens *TokenService
}

func (p *CookieProvider) Name() string { return "cookie" }

func (p *CookieProvider) TryResolve(r *http.Request) (*Identity, error) {
	token, ok := session.TokenFromCookie(r)
	if !ok {
		return nil, nil
	}
	claims, err := p.Tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	id := IdentityFromClaims(claims)
	return &id, nil
}

// BearerProvider verifies an Authorization bearer assertion, the fallback
// channel for direct API callers that cannot hold cookies.
type BearerProvider struct {
	Tokens *TokenService
}

func (p *BearerProvider) Name() string { return "bearer" }

func (p *BearerProvider) TryResolve(r *http.Request) (*Identity, error) {
	token, ok := session.TokenFromBearer(r)
	if !ok {
		return nil, nil
	}
	claims, err := p.Tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	id := IdentityFromClaims(claims)
	return &id, nil
}
