package resilient

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCircuitOpen is returned when a source's breaker rejects the fetch.
var ErrCircuitOpen = errors.New("resilient: circuit open")

// FetchError reports a source for which every endpoint failed.
type FetchError struct {
	SourceID string
	Tried    []string // endpoints in the order they were tried
	Last     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("resilient: source %s failed on %s: %v", e.SourceID, strings.Join(e.Tried, ", "), e.Last)
}

func (e *FetchError) Unwrap() error { return e.Last }
