package targetresolver

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense/internal/shared/guid"
)

func TestResolveAcceptsMatchingPrefix(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	g := guid.Encode(guid.Collection, id)

	gotID, target, err := Resolve(Collection, g, "vacation-photos")
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "collection", target.EntityType)
	assert.Equal(t, g, target.EntityGUID)
	assert.Equal(t, "vacation-photos", target.EntityName)
}

func TestResolveRejectsWrongPrefix(t *testing.T) {
	g := guid.Encode(guid.Connector, uuid.Must(uuid.NewV7()))
	_, _, err := Resolve(Collection, g, "x")
	assert.ErrorIs(t, err, guid.ErrPrefixMismatch)
}

func TestResolveRejectsMalformedGUID(t *testing.T) {
	for _, bad := range []string{"", "123", "col_short", "col_" + strings.Repeat("!", 26)} {
		_, _, err := Resolve(Collection, bad, "x")
		assert.Error(t, err, "input %q", bad)
	}
}

func TestResolveRejectsUnknownEntityType(t *testing.T) {
	g := guid.Encode(guid.Collection, uuid.Must(uuid.NewV7()))
	_, _, err := Resolve(EntityType("wormhole"), g, "x")
	assert.Error(t, err)
}

func TestResolveCanonicalizesUppercaseInput(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	lower := guid.Encode(guid.Pipeline, id)

	gotID, target, err := Resolve(Pipeline, strings.ToUpper(lower), "p")
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, lower, target.EntityGUID)
}

func TestEncodeRoundTripsThroughResolve(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	target, err := Encode(Connector, id, "prod-bucket")
	require.NoError(t, err)

	gotID, _, err := Resolve(Connector, target.EntityGUID, target.EntityName)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
}
