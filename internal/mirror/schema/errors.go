package schema

import "errors"

// Errors returned by the mirror store, the remote client and the sync engine.
//
// They are always wrapped with context, so check them with errors.Is:
//
//	if errors.Is(err, schema.ErrDepthExceeded) {
//	    // tell the user the task tree is already three levels deep
//	}
var (
	// ErrNotInitialized is returned when the store is used before it has been
	// opened and its schema initialized, or after it was closed.
	ErrNotInitialized = errors.New("store not initialized")

	// ErrNotFound is returned when a client_id does not reference an
	// existing entity.
	ErrNotFound = errors.New("entity not found")

	// ErrDepthExceeded is returned when creating a task would place it
	// deeper than MaxDepth.
	ErrDepthExceeded = errors.New("maximum task depth exceeded")

	// ErrSystemTab is returned when attempting to delete a built-in tab.
	ErrSystemTab = errors.New("system tabs cannot be deleted")

	// ErrInvalidEntity is returned when an entity or patch fails validation.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrNetworkFailure is returned for any transport failure or non-2xx
	// response from the remote authority.
	ErrNetworkFailure = errors.New("network failure")

	// ErrSyncInProgress is returned by operations that cannot run while a
	// sync cycle holds the single-flight guard.
	ErrSyncInProgress = errors.New("sync already in progress")
)
