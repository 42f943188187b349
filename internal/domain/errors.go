package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks caller input that can never succeed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrProviderNotFound is returned when no adapter serves a vendor or model.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrQuotaExceeded is the sentinel wrapped by QuotaExceededError.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRetrievalUnavailable is logged when embedding or search fails. It is
	// never returned from Search.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrEscalationDelivery is the sentinel wrapped by EscalationDeliveryError.
	ErrEscalationDelivery = errors.New("escalation delivery failed")

	// ErrGenerationFailed is the only failure text end users see for a
	// failed generation.
	ErrGenerationFailed = errors.New("generation failed, please try again")
)

// QuotaExceededError reports the first scope whose daily budget cannot cover
// the request.
type QuotaExceededError struct {
	Scope     ScopeRef
	Limit     int
	Used      int
	Requested int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: used %d of %d, requested %d",
		e.Scope, e.Used, e.Limit, e.Requested)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// VendorError is a transport or API failure from an LLM vendor.
// StatusCode is zero for transport failures.
type VendorError struct {
	Vendor     Vendor
	StatusCode int
	Message    string
	Err        error
}

func (e *VendorError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Vendor, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Vendor, e.Message)
}

func (e *VendorError) Unwrap() error {
	return e.Err
}

// ChunkIndexError reports an index run aborted by an embedding failure.
// Embedded chunks were computed but never written.
type ChunkIndexError struct {
	Source   SourceRef
	Embedded int
	Total    int
	Err      error
}

func (e *ChunkIndexError) Error() string {
	return fmt.Sprintf("indexing %s aborted after %d of %d chunks: %v",
		e.Source, e.Embedded, e.Total, e.Err)
}

func (e *ChunkIndexError) Unwrap() error {
	return e.Err
}

// DeliveryError is returned by escalation channels. A 4xx status is terminal.
type DeliveryError struct {
	Channel    string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("channel %s: status %d: %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("channel %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Terminal reports whether retrying cannot help.
func (e *DeliveryError) Terminal() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// EscalationDeliveryError is logged when a channel exhausts its attempts.
type EscalationDeliveryError struct {
	EventID  string
	Channel  string
	Attempts int
	Err      error
}

func (e *EscalationDeliveryError) Error() string {
	return fmt.Sprintf("escalation %s to %s failed after %d attempts: %v",
		e.EventID, e.Channel, e.Attempts, e.Err)
}

func (e *EscalationDeliveryError) Unwrap() []error {
	return []error{ErrEscalationDelivery, e.Err}
}

// MalformedOutputError is a generation whose structured content did not parse.
type MalformedOutputError struct {
	Raw string
	Err error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed model output: %v", e.Err)
}

func (e *MalformedOutputError) Unwrap() []error {
	return []error{ErrGenerationFailed, e.Err}
}
