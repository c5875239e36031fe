package resilient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/hazyhaar/savoir/ingest/internal/connector"
	"github.com/hazyhaar/savoir/ingest/internal/fetch"
)

// Class tells the wrapper what to do with a failed attempt.
type Class int

const (
	// Permanent failures move on to the next endpoint without retrying.
	Permanent Class = iota
	// Transient failures are retried with backoff.
	Transient
	// Canceled means the caller gave up; nothing more is attempted.
	Canceled
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Canceled:
		return "canceled"
	default:
		return "permanent"
	}
}

// Classify sorts a connector error. Network errors, timeouts, 5xx, 408 and
// 429 are transient. Other HTTP statuses are permanent. A parse error is
// transient only when the payload was cut short.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, ErrCircuitOpen) {
		return Permanent
	}

	var he *fetch.HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode >= 500,
			he.StatusCode == http.StatusRequestTimeout,
			he.StatusCode == http.StatusTooManyRequests:
			return Transient
		default:
			return Permanent
		}
	}

	var pe *connector.ParseError
	if errors.As(err, &pe) {
		if pe.Truncated {
			return Transient
		}
		return Permanent
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	return Permanent
}
