package chat

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Store and remote
// implementations wrap these so callers can test with errors.Is.
var (
	// ErrNoActiveSession means an operation needs a session that was
	// never established.
	ErrNoActiveSession = errors.New("no active session")

	// ErrNotFound means a conversation or message is absent. Store
	// lookups return nil, nil for absence; this error is for operations
	// that require presence.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists means a duplicate creation in the store.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidContinuationToken means a supplied paging token disagrees
	// with the cached cursor; the caller must restart from the most
	// recent page.
	ErrInvalidContinuationToken = errors.New("invalid continuation token")

	// ErrExhaustedPaging means the oldest page has already been reached.
	ErrExhaustedPaging = errors.New("no more pages")

	// ErrUnknownEventKind means an event of a kind the engine does not
	// recognize was dispatched to the application rule.
	ErrUnknownEventKind = errors.New("unknown event kind")
)

// NotFoundError wraps ErrNotFound with the identity that was missing.
type NotFoundError struct {
	Kind string // "conversation" or "message"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
