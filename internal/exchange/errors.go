// errors.go defines the normalized error taxonomy for venue operations.
//
// Raw transport and HTTP errors are wrapped inside the venue clients; at the
// adapter boundary they are classified into an Error with a Kind so callers
// can branch with errors.As without knowing venue specifics. Business
// rejections carry the venue's numeric code when one exists.
package exchange

import (
	"errors"
	"fmt"
	"strings"

	"perp-arb/pkg/types"
)

// ErrorKind classifies a venue error for the retry/propagation policy.
type ErrorKind string

const (
	KindTransport   ErrorKind = "TRANSPORT"   // connection refused, socket closed, timeout
	KindAuth        ErrorKind = "AUTH"        // expired session, bad signature, unauthorized
	KindRateLimit   ErrorKind = "RATE_LIMIT"  // HTTP 429 or venue-specific code
	KindRejected    ErrorKind = "REJECTED"    // order rejected, reduce-only violation, margin
	KindNotFound    ErrorKind = "NOT_FOUND"   // order or resource does not exist
	KindConsistency ErrorKind = "CONSISTENCY" // stale book, missing metadata, unknown symbol
)

// GRVT's rejection code for reduce-only violations. Other venues report the
// condition as message text; ReduceOnly matches both forms.
const CodeReduceOnly = 21740

// Error is the normalized venue error.
type Error struct {
	Venue   types.Venue
	Kind    ErrorKind
	Code    int // venue numeric code, 0 when none
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d): %s", e.Venue, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Venue, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ReduceOnly reports whether the venue rejected the order for violating a
// reduce-only constraint: GRVT's numeric code, or the message text the
// other venues use. The executor routes these to the quarantine manager
// instead of retrying.
func (e *Error) ReduceOnly() bool {
	if e.Kind != KindRejected {
		return false
	}
	if e.Code == CodeReduceOnly {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "reduce-only") ||
		strings.Contains(msg, "reduce only") ||
		strings.Contains(msg, "reduce_only")
}

// Retryable reports whether the transport layer may retry the operation.
// Business rejections and auth failures must surface to the caller.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindRateLimit
}

// NewError builds a classified error. Message defaults to err's text.
func NewError(venue types.Venue, kind ErrorKind, code int, msg string, err error) *Error {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &Error{Venue: venue, Kind: kind, Code: code, Message: msg, Err: err}
}

// ClassifyHTTP maps an HTTP status to an ErrorKind.
func ClassifyHTTP(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindTransport
	default:
		return KindRejected
	}
}

// IsNotFound reports whether err is a normalized NOT_FOUND. Used by the
// get_order history fallback.
func IsNotFound(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == KindNotFound
}

// IsReduceOnly reports whether err is a reduce-only rejection from any venue.
func IsReduceOnly(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.ReduceOnly()
}
