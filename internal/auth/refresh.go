package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// RefreshTokenSource exchanges a refresh token for an access token at the
// backend's refresh endpoint ({"refresh": ...} -> {"access": ...}).
type RefreshTokenSource struct {
	url    string
	client *http.Client

	mu           sync.Mutex
	refreshToken string
}

func NewRefreshTokenSource(url, refreshToken string, client *http.Client) *RefreshTokenSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RefreshTokenSource{url: url, client: client, refreshToken: refreshToken}
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
	UserID  any    `json:"user_id,omitempty"`
}

// Token implements oauth2.TokenSource
func (s *RefreshTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	refresh := s.refreshToken
	s.mu.Unlock()
	if refresh == "" {
		return nil, ErrNoRefreshToken
	}

	body, _ := json.Marshal(map[string]string{"refresh": refresh})
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call refresh endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("refresh endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if out.Access == "" {
		return nil, fmt.Errorf("refresh response without access token")
	}

	// Rotating refresh tokens replace the one we hold
	if out.Refresh != "" {
		s.mu.Lock()
		s.refreshToken = out.Refresh
		s.mu.Unlock()
	}

	tok := &oauth2.Token{
		AccessToken:  out.Access,
		TokenType:    "Bearer",
		RefreshToken: out.Refresh,
		Expiry:       expiryOf(out.Access),
	}
	if out.UserID != nil {
		tok = tok.WithExtra(map[string]any{"user_id": out.UserID})
	}
	return tok, nil
}

// jwtClaims reads the unverified payload of a JWT. Only the server checks
// signatures; the client needs the expiry and subject for scheduling.
func jwtClaims(token string) map[string]any {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var claims map[string]any
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil
	}
	return claims
}

func expiryOf(access string) time.Time {
	if exp, ok := jwtClaims(access)["exp"].(float64); ok {
		return time.Unix(int64(exp), 0)
	}
	return time.Time{}
}

func identityOf(tok *oauth2.Token) string {
	if id := tok.Extra("user_id"); id != nil {
		return fmt.Sprint(id)
	}
	claims := jwtClaims(tok.AccessToken)
	for _, key := range []string{"user_id", "sub"} {
		if v, ok := claims[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}
