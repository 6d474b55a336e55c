package admission

import (
	"errors"
	"fmt"
)

// Sentinel errors for the admission decision surface. Callers translate these
// into wire-protocol error codes with errors.Is / errors.As.
var (
	// ErrConcurrencyLimit indicates the tenant has no free concurrent-call slot.
	ErrConcurrencyLimit = errors.New("admission: concurrency limit reached")

	// ErrUsageLimitExceeded indicates the tenant has consumed its included
	// minutes and has no active subscription granting overage.
	ErrUsageLimitExceeded = errors.New("admission: usage limit exceeded")

	// ErrProviderNotAllowed indicates a requested provider slug is outside the
	// tenant plan's allowlist for its category.
	ErrProviderNotAllowed = errors.New("admission: provider not allowed")

	// ErrValidation indicates the session spec failed admission-time validation.
	ErrValidation = errors.New("admission: invalid session spec")
)

// ConcurrencyDenial carries the counter snapshot returned alongside a
// concurrency rejection so callers can surface {current, max} to the client.
type ConcurrencyDenial struct {
	Current int
	Max     int
}

func (d *ConcurrencyDenial) Error() string {
	return fmt.Sprintf("admission: concurrency limit reached (%d/%d)", d.Current, d.Max)
}

// Unwrap lets errors.Is(err, ErrConcurrencyLimit) match a denial.
func (d *ConcurrencyDenial) Unwrap() error { return ErrConcurrencyLimit }

// ProviderDenial identifies which provider selection was rejected.
type ProviderDenial struct {
	Category string // "stt" | "llm" | "tts"
	Slug     string
}

func (d *ProviderDenial) Error() string {
	return fmt.Sprintf("admission: provider %s/%q not in plan allowlist", d.Category, d.Slug)
}

// Unwrap lets errors.Is(err, ErrProviderNotAllowed) match a denial.
func (d *ProviderDenial) Unwrap() error { return ErrProviderNotAllowed }
