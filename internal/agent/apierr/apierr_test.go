package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageErrorUnwrapsToUnderlyingError(t *testing.T) {
	underlying := errors.New("connection refused")
	err := NewStorageError("list", StorageConnectionFailure, underlying)

	assert.True(t, errors.Is(err, underlying))
	assert.Equal(t, StorageConnectionFailure, err.Category)
	assert.Contains(t, err.Error(), "connection_failure")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestStorageErrorWithNilUnderlyingStillFormats(t *testing.T) {
	err := NewStorageError("stat", StorageNotFound, nil)
	assert.Contains(t, err.Error(), "not_found")
}

func TestStorageCategoryStrings(t *testing.T) {
	cases := map[StorageCategory]string{
		StoragePermissionDenied:  "permission_denied",
		StorageNotFound:          "not_found",
		StorageConnectionFailure: "connection_failure",
		StorageInvalidLocation:   "invalid_location",
	}
	for cat, want := range cases {
		assert.Equal(t, want, cat.String())
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrConnectionFailure, ErrAuthenticationRejected, ErrRevoked,
		ErrForbidden, ErrNotFound, ErrConflict, ErrValidation, ErrServer,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v should not be %v", a, b)
		}
	}
}
