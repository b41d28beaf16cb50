// Package auth supplies the credentials the transport and the reconnect
// supervisor present to the backend. Nothing reads tokens from ambient
// state; a Provider is always passed in explicitly.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
)

var (
	ErrRefreshFailed  = errors.New("credential refresh failed")
	ErrNoRefreshToken = errors.New("no refresh token")
)

// Credentials are what a channel authenticates with. Identity names the
// principal behind the token; a change of identity forces a reconnect.
type Credentials struct {
	Token    string
	Identity string
}

// Provider hands out current credentials and can force a refresh
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
	Refresh(ctx context.Context) (Credentials, error)
}

// StaticProvider serves fixed credentials, e.g. a guest token. It has
// nothing to refresh with.
type StaticProvider struct {
	creds Credentials
}

func NewStaticProvider(token, identity string) *StaticProvider {
	return &StaticProvider{creds: Credentials{Token: token, Identity: identity}}
}

func (p *StaticProvider) Credentials(ctx context.Context) (Credentials, error) {
	return p.creds, nil
}

func (p *StaticProvider) Refresh(ctx context.Context) (Credentials, error) {
	return Credentials{}, fmt.Errorf("%w: static credentials", ErrRefreshFailed)
}

// Token lets StaticProvider back an oauth2 transport
func (p *StaticProvider) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: p.creds.Token, TokenType: "Bearer"}, nil
}

// TokenProvider caches an access token and refreshes it through base once
// it expires or a refresh is forced.
type TokenProvider struct {
	mu   sync.Mutex
	base oauth2.TokenSource
	src  oauth2.TokenSource
}

// NewTokenProvider starts from initial (may be nil) and refreshes via base
func NewTokenProvider(initial *oauth2.Token, base oauth2.TokenSource) *TokenProvider {
	return &TokenProvider{
		base: base,
		src:  oauth2.ReuseTokenSource(initial, base),
	}
}

// Token implements oauth2.TokenSource
func (p *TokenProvider) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	return src.Token()
}

func (p *TokenProvider) Credentials(ctx context.Context) (Credentials, error) {
	tok, err := p.Token()
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	return credentialsOf(tok), nil
}

// Refresh bypasses the cache, used after the server rejected the current token
func (p *TokenProvider) Refresh(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	tok, err := p.base.Token()
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	p.mu.Lock()
	p.src = oauth2.ReuseTokenSource(tok, p.base)
	p.mu.Unlock()
	return credentialsOf(tok), nil
}

// HTTPClient returns a client that asks src for the bearer token on every
// request, so refreshed or switched credentials apply immediately.
func HTTPClient(src oauth2.TokenSource) *http.Client {
	return &http.Client{Transport: &oauth2.Transport{Source: src, Base: http.DefaultTransport}}
}

func credentialsOf(tok *oauth2.Token) Credentials {
	return Credentials{Token: tok.AccessToken, Identity: identityOf(tok)}
}
