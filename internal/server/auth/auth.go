// Package auth authenticates agent requests against the agent HTTP API.
// Two schemes are supported: a short-lived, single-use registration
// token for the register call, and a bearer API key for every
// subsequent request. There is no session/cookie concept here — that
// belongs to the human-facing login surface, which never touches this
// API.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
)

// ErrInvalidToken is returned when a registration token is missing,
// expired, or already consumed.
var ErrInvalidToken = errors.New("auth: invalid or expired registration token")

// ErrRevoked is returned when the agent identified by an API key has been
// revoked.
var ErrRevoked = errors.New("auth: agent revoked")

// ErrBadAPIKey is returned when no agent matches the presented API key.
var ErrBadAPIKey = errors.New("auth: invalid api key")

// Service authenticates agent-facing requests and issues API keys.
type Service struct {
	tokens repositories.RegistrationTokenRepository
	agents repositories.AgentRepository
}

func NewService(tokens repositories.RegistrationTokenRepository, agents repositories.AgentRepository) *Service {
	return &Service{tokens: tokens, agents: agents}
}

// NewRegistrationToken mints a team-scoped, single-use token an operator
// hands to a new agent out of band.
func (s *Service) NewRegistrationToken(ctx context.Context, teamID uuid.UUID, ttl time.Duration) (*db.RegistrationToken, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("auth: generate token: %w", err)
	}
	t := &db.RegistrationToken{
		TeamID:    teamID,
		Token:     hex.EncodeToString(raw),
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if err := s.tokens.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ConsumeToken validates a registration token and marks it used. A
// token is valid exactly once, before its ExpiresAt.
func (s *Service) ConsumeToken(ctx context.Context, token string) (*db.RegistrationToken, error) {
	t, err := s.tokens.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if t.ConsumedAt != nil || time.Now().UTC().After(t.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	now := time.Now().UTC()
	if err := s.tokens.MarkConsumed(ctx, t.ID, now); err != nil {
		return nil, err
	}
	t.ConsumedAt = &now
	return t, nil
}

// NewAPIKey generates the opaque, never-rotated api_key issued at
// registration.
func NewAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Authenticate resolves a bearer API key to the owning, non-revoked
// Agent.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*db.Agent, error) {
	if apiKey == "" {
		return nil, ErrBadAPIKey
	}
	agent, err := s.agents.GetByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrBadAPIKey
		}
		return nil, err
	}
	if agent.RevokedAt != nil {
		return nil, ErrRevoked
	}
	return agent, nil
}
