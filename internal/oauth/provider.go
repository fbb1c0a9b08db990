// provider.go -- federated identity provider interface and shared types.
package oauth

import "context"

// Claims holds the identity claims a provider verified.
// Only a verified email is trusted for sign-in.
type Claims struct {
	Sub           string // provider-specific stable user ID
	Email         string
	EmailVerified bool
	Name          string
}

// Provider is an OAuth2 / OpenID Connect identity provider.
// PKCE (RFC 7636) is required: callers pass the code_challenge to AuthCodeURL and the
// matching code_verifier to Exchange.
type Provider interface {
	// Name is the provider identifier used in the URL and in audit records.
	Name() string

	// AuthCodeURL returns the consent page URL with state and PKCE code_challenge embedded.
	AuthCodeURL(state, codeChallenge string) string

	// Exchange trades the authorization code for verified identity claims.
	Exchange(ctx context.Context, code, codeVerifier string) (*Claims, error)
}

// Registry maps provider names to providers.
type Registry map[string]Provider

// Register adds p under its name.
func (r Registry) Register(p Provider) {
	r[p.Name()] = p
}
