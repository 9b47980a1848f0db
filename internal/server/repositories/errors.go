package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers check for it with errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint (e.g. a duplicate agent registration).
var ErrConflict = errors.New("record already exists")
