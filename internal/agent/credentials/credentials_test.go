package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense/internal/agent/adapters"
)

func testCreds() adapters.Credentials {
	return adapters.Credentials{
		Kind: adapters.CredentialS3,
		S3:   &adapters.S3Credentials{AccessKeyID: "AKIA...", SecretAccessKey: "secret", Region: "us-east-1"},
	}
}

func TestStoreGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.Store("con_abc123", testCreds(), map[string]string{"location": "my-bucket/prefix"}))

	got, err := s.Get("con_abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, adapters.CredentialS3, got.Kind)
	assert.Equal(t, "AKIA...", got.S3.AccessKeyID)

	meta, err := s.GetMetadata("con_abc123")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket/prefix", meta["location"])
}

func TestStoreRejectsBadPrefix(t *testing.T) {
	s := New(t.TempDir())
	err := s.Store("not-a-connector-guid", testCreds(), nil)
	assert.Error(t, err)
}

func TestGetAbsentReturnsNilNoError(t *testing.T) {
	s := New(t.TempDir())
	got, err := s.Get("con_never_stored")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Store("con_abc123", testCreds(), nil))

	require.NoError(t, s.Delete("con_abc123"))
	require.NoError(t, s.Delete("con_abc123")) // second delete of an absent blob is not an error

	got, err := s.Get("con_abc123")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListReturnsStoredGUIDs(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Store("con_aaa", testCreds(), nil))
	require.NoError(t, s.Store("con_bbb", testCreds(), nil))

	guids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"con_aaa", "con_bbb"}, guids)
}

func TestListOnEmptyVaultReturnsNilNoError(t *testing.T) {
	s := New(t.TempDir())
	guids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, guids)
}

func TestMasterKeyReusedAcrossStores(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Store("con_aaa", testCreds(), nil))
	key1, err := s.loadOrCreateMasterKey()
	require.NoError(t, err)

	require.NoError(t, s.Store("con_bbb", testCreds(), nil))
	key2, err := s.loadOrCreateMasterKey()
	require.NoError(t, err)

	assert.Equal(t, key1, key2)
}
