// Package errs provides structured error envelopes for venue interactions.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a venue error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded venue rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeVenue indicates a venue-side failure.
	CodeVenue Code = "venue_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the venue is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures venue-agnostic failure categories the lifecycle
// engine reasons about.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalOrderNotFound indicates the referenced order does not exist on the venue.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalInsufficientBalance indicates insufficient balance for the operation.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	// CanonicalOrderRejected indicates the venue rejected the order outright.
	CanonicalOrderRejected CanonicalCode = "order_rejected"
	// CanonicalInvalidSymbol indicates an unsupported or malformed trading pair.
	CanonicalInvalidSymbol CanonicalCode = "invalid_symbol"
	// CanonicalCapabilityMissing indicates the adapter lacks the required capability.
	CanonicalCapabilityMissing CanonicalCode = "capability_missing"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
)

// E carries structured error information for a single venue interaction.
type E struct {
	Venue     string
	Code      Code
	Canonical CanonicalCode
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:     strings.TrimSpace(venue),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) { e.RawCode = trimmed }
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) { e.RawMsg = msg }
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithCanonicalCode sets the canonical failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	return func(e *E) {
		if strings.TrimSpace(string(code)) == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = code
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := e.Venue
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := string(e.Canonical); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CanonicalOf extracts the canonical code from err, or CanonicalUnknown.
func CanonicalOf(err error) CanonicalCode {
	var e *E
	if errors.As(err, &e) {
		return e.Canonical
	}
	return CanonicalUnknown
}

// IsOrderNotFound reports whether err represents a venue order-not-found response.
func IsOrderNotFound(err error) bool {
	return CanonicalOf(err) == CanonicalOrderNotFound
}

// IsTransient reports whether err should be retried on the next poll tick
// rather than promoted to an order failure.
func IsTransient(err error) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeNetwork, CodeRateLimited, CodeUnavailable:
		return true
	default:
		return false
	}
}

// NotSupported returns a standardized error for unsupported venue capabilities.
func NotSupported(venue, msg string) *E {
	return New(venue, CodeVenue, WithMessage(msg), WithCanonicalCode(CanonicalCapabilityMissing))
}
