package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound is returned when an id does not name a live record.
	ErrRecordNotFound = errors.New("memory record not found")

	// ErrTierFull is returned when a record ranks below every live record of
	// a full tier and would be the one evicted.
	ErrTierFull = errors.New("memory tier full of higher-priority records")
)

// ValidationError reports malformed input to StoreChunk. Nothing is stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid memory record %s: %s", e.Field, e.Reason)
}
