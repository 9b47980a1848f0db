package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apierr"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

func TestHeartbeatSendsBearerTokenAndDecodesResponse(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/agents/heartbeat", r.URL.Path)
		json.NewEncoder(w).Encode(apitypes.HeartbeatResponse{PendingCommands: []string{"cancel_job:job-1"}})
	}))
	defer srv.Close()

	client := New(srv.URL, "my-api-key", time.Second)
	resp, err := client.Heartbeat(context.Background(), apitypes.HeartbeatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer my-api-key", gotAuth)
	assert.Equal(t, []string{"cancel_job:job-1"}, resp.PendingCommands)
}

func TestClaimJobReturnsNilOnNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := New(srv.URL, "key", time.Second)
	resp, err := client.ClaimJob(context.Background(), apitypes.ClaimRequest{})
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestClaimJobClassifiesRevokedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "unauthorized", "detail": "agent revoked"}})
	}))
	defer srv.Close()

	client := New(srv.URL, "key", time.Second)
	_, err := client.ClaimJob(context.Background(), apitypes.ClaimRequest{})
	assert.True(t, errors.Is(err, apierr.ErrRevoked))
}

func TestPutChunkTreatsConflictAsIdempotentSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := New(srv.URL, "key", time.Second)
	received, err := client.PutChunk(context.Background(), "up-1", 0, []byte("data"))
	require.NoError(t, err)
	assert.True(t, received)
}

func TestDoClassifiesConnectionFailureOnUnreachableServer(t *testing.T) {
	client := New("http://127.0.0.1:1", "key", 200*time.Millisecond)
	_, err := client.Heartbeat(context.Background(), apitypes.HeartbeatRequest{})
	assert.True(t, errors.Is(err, apierr.ErrConnectionFailure))
}

func TestVersionEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apitypes.VersionResponse{Version: "1.2.3"})
	}))
	defer srv.Close()

	client := New(srv.URL, "", time.Second)
	resp, err := client.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", resp.Version)
}
