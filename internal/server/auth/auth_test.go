package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
)

type fakeTokenRepo struct {
	tokens map[string]*db.RegistrationToken
}

func (f *fakeTokenRepo) Create(_ context.Context, t *db.RegistrationToken) error {
	if t.ID == (uuid.UUID{}) {
		t.ID = uuid.Must(uuid.NewV7())
	}
	f.tokens[t.Token] = t
	return nil
}

func (f *fakeTokenRepo) GetByToken(_ context.Context, token string) (*db.RegistrationToken, error) {
	t, ok := f.tokens[token]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTokenRepo) MarkConsumed(_ context.Context, id uuid.UUID, consumedAt time.Time) error {
	for _, t := range f.tokens {
		if t.ID == id {
			t.ConsumedAt = &consumedAt
			return nil
		}
	}
	return repositories.ErrNotFound
}

type fakeAgentRepo struct {
	agents map[string]*db.Agent // keyed by api key
}

func (f *fakeAgentRepo) Create(_ context.Context, a *db.Agent) error {
	f.agents[a.APIKey] = a
	return nil
}
func (f *fakeAgentRepo) GetByID(context.Context, uuid.UUID) (*db.Agent, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeAgentRepo) GetByAPIKey(_ context.Context, apiKey string) (*db.Agent, error) {
	a, ok := f.agents[apiKey]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return a, nil
}
func (f *fakeAgentRepo) Update(context.Context, *db.Agent) error { return nil }
func (f *fakeAgentRepo) Revoke(_ context.Context, id uuid.UUID, revokedAt time.Time) error {
	for _, a := range f.agents {
		if a.ID == id {
			a.RevokedAt = &revokedAt
			return nil
		}
	}
	return repositories.ErrNotFound
}
func (f *fakeAgentRepo) List(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Agent, int64, error) {
	return nil, 0, nil
}

func newTestService() (*Service, *fakeTokenRepo, *fakeAgentRepo) {
	tokens := &fakeTokenRepo{tokens: map[string]*db.RegistrationToken{}}
	agents := &fakeAgentRepo{agents: map[string]*db.Agent{}}
	return NewService(tokens, agents), tokens, agents
}

func TestConsumeTokenIsSingleUse(t *testing.T) {
	svc, _, _ := newTestService()
	minted, err := svc.NewRegistrationToken(context.Background(), uuid.Must(uuid.NewV7()), time.Hour)
	require.NoError(t, err)

	consumed, err := svc.ConsumeToken(context.Background(), minted.Token)
	require.NoError(t, err)
	assert.Equal(t, minted.TeamID, consumed.TeamID)
	assert.NotNil(t, consumed.ConsumedAt)

	_, err = svc.ConsumeToken(context.Background(), minted.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestConsumeTokenRejectsExpired(t *testing.T) {
	svc, tokens, _ := newTestService()
	minted, err := svc.NewRegistrationToken(context.Background(), uuid.Must(uuid.NewV7()), time.Hour)
	require.NoError(t, err)
	tokens.tokens[minted.Token].ExpiresAt = time.Now().UTC().Add(-time.Minute)

	_, err = svc.ConsumeToken(context.Background(), minted.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestConsumeTokenRejectsUnknown(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.ConsumeToken(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewAPIKeyIsOpaqueHex(t *testing.T) {
	k1, err := NewAPIKey()
	require.NoError(t, err)
	k2, err := NewAPIKey()
	require.NoError(t, err)
	assert.Len(t, k1, 64)
	assert.NotEqual(t, k1, k2)
}

func TestAuthenticateResolvesAgent(t *testing.T) {
	svc, _, agents := newTestService()
	a := &db.Agent{APIKey: "key-1", TeamID: uuid.Must(uuid.NewV7())}
	a.ID = uuid.Must(uuid.NewV7())
	require.NoError(t, agents.Create(context.Background(), a))

	got, err := svc.Authenticate(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestAuthenticateRejectsBadAndEmptyKeys(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrBadAPIKey)

	_, err = svc.Authenticate(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrBadAPIKey)
}

func TestAuthenticateRejectsRevokedAgent(t *testing.T) {
	svc, _, agents := newTestService()
	now := time.Now().UTC()
	a := &db.Agent{APIKey: "key-2", RevokedAt: &now}
	a.ID = uuid.Must(uuid.NewV7())
	require.NoError(t, agents.Create(context.Background(), a))

	_, err := svc.Authenticate(context.Background(), "key-2")
	assert.ErrorIs(t, err, ErrRevoked)
}
