// Package targetresolver implements the polymorphic (entity_type,
// entity_id, entity_guid) addressing model shared by Job and
// AnalysisResult.
package targetresolver

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
	"github.com/fabrice-guiot/shuttersense/internal/shared/guid"
)

// EntityType enumerates the entities a Job or AnalysisResult can target.
type EntityType string

const (
	Collection EntityType = "collection"
	Connector  EntityType = "connector"
	Pipeline   EntityType = "pipeline"
)

// prefixFor maps an EntityType to its GUID prefix.
func prefixFor(t EntityType) (guid.Prefix, error) {
	switch t {
	case Collection:
		return guid.Collection, nil
	case Connector:
		return guid.Connector, nil
	case Pipeline:
		return guid.Pipeline, nil
	default:
		return "", fmt.Errorf("targetresolver: unknown entity type %q", t)
	}
}

// Resolve validates that entityGUID is well-formed for entityType and
// returns the underlying UUID alongside the apitypes.Target wire shape.
// GUIDs with the wrong prefix or malformed bodies are rejected before any
// database lookup.
func Resolve(entityType EntityType, entityGUID, entityName string) (uuid.UUID, apitypes.Target, error) {
	prefix, err := prefixFor(entityType)
	if err != nil {
		return uuid.UUID{}, apitypes.Target{}, err
	}
	_, id, err := guid.Parse(entityGUID, prefix)
	if err != nil {
		return uuid.UUID{}, apitypes.Target{}, fmt.Errorf("targetresolver: %w", err)
	}
	return id, apitypes.Target{
		EntityType: string(entityType),
		EntityID:   id.String(),
		EntityGUID: guid.Encode(prefix, id),
		EntityName: entityName,
	}, nil
}

// Encode builds the wire Target for an already-resolved entity, without
// re-validating the GUID (used when constructing a response from rows
// already read out of the database).
func Encode(entityType EntityType, id uuid.UUID, entityName string) (apitypes.Target, error) {
	prefix, err := prefixFor(entityType)
	if err != nil {
		return apitypes.Target{}, err
	}
	return apitypes.Target{
		EntityType: string(entityType),
		EntityID:   id.String(),
		EntityGUID: guid.Encode(prefix, id),
		EntityName: entityName,
	}, nil
}
