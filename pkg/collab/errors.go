package collab

import "errors"

var (
	// ErrStaleVersion means a change was made against an outdated template
	// version and was rejected. The sender gets the current snapshot back.
	ErrStaleVersion = errors.New("stale template version")

	// ErrNotFound means the store has no snapshot for the template yet.
	ErrNotFound = errors.New("template snapshot not found")
)
