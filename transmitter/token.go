package transmitter

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Credentials carries one organization's client-credentials grant.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// CredentialSource resolves the grant for an organization.
type CredentialSource interface {
	Credentials(ctx context.Context, organizationID string) (Credentials, error)
}

// StaticCredentials is a fixed CredentialSource.
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Credentials(_ context.Context, organizationID string) (Credentials, error) {
	creds, ok := s[organizationID]
	if !ok {
		return Credentials{}, fmt.Errorf("transmitter: no credentials for organization %s: %w", organizationID, ErrUnauthorized)
	}
	return creds, nil
}

// TokenProvider caches one client-credentials token source per organization.
// Tokens are refreshed up to a minute before expiry so a fleet of receptors
// does not stampede the authorization server at the same instant.
type TokenProvider struct {
	source CredentialSource

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewTokenProvider wraps the credential source.
func NewTokenProvider(source CredentialSource) *TokenProvider {
	return &TokenProvider{
		source:  source,
		sources: make(map[string]oauth2.TokenSource),
	}
}

// Token returns a valid bearer token for the organization.
func (p *TokenProvider) Token(ctx context.Context, organizationID string) (string, error) {
	p.mu.Lock()
	ts, ok := p.sources[organizationID]
	if !ok {
		creds, err := p.source.Credentials(ctx, organizationID)
		if err != nil {
			p.mu.Unlock()
			return "", err
		}
		cfg := clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.TokenURL,
			Scopes:       creds.Scopes,
		}
		jitter := time.Duration(rand.Int63n(int64(time.Minute)))
		ts = oauth2.ReuseTokenSourceWithExpiry(nil, cfg.TokenSource(context.Background()), jitter)
		p.sources[organizationID] = ts
	}
	p.mu.Unlock()

	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("transmitter: token for %s: %w", organizationID, ErrUnauthorized)
	}
	return tok.AccessToken, nil
}
