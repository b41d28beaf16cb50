package auth

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
)

// Switch is a Provider whose underlying provider can be replaced at
// runtime, e.g. when the user signs in after starting as a guest.
type Switch struct {
	mu sync.RWMutex
	p  Provider
}

func NewSwitch(p Provider) *Switch {
	return &Switch{p: p}
}

func (s *Switch) Set(p Provider) {
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
}

func (s *Switch) Current() Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

func (s *Switch) Credentials(ctx context.Context) (Credentials, error) {
	return s.Current().Credentials(ctx)
}

func (s *Switch) Refresh(ctx context.Context) (Credentials, error) {
	return s.Current().Refresh(ctx)
}

// Token implements oauth2.TokenSource over the current provider
func (s *Switch) Token() (*oauth2.Token, error) {
	creds, err := s.Credentials(context.Background())
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: creds.Token, TokenType: "Bearer"}, nil
}
