package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates the store rejected a value.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrUnavailable indicates the store could not be reached in time.
	ErrUnavailable = errors.New("repository: store unavailable")
	// ErrSerialization indicates a serializable transaction lost a conflict and may be retried.
	ErrSerialization = errors.New("repository: serialization failure")
	// ErrConflict indicates a uniqueness constraint rejected a write.
	ErrConflict = errors.New("repository: conflict")
)
