package models

import "fmt"

// ErrorKind classifies failures of poll and delivery calls.
type ErrorKind string

const (
	// ErrTransient covers network errors, timeouts and 5xx answers.
	ErrTransient ErrorKind = "transient"
	// ErrPrecondition covers local causes: missing credentials, exhausted pool, rate-limit denial.
	ErrPrecondition ErrorKind = "precondition"
	// ErrCorrupt marks payloads that can never succeed.
	ErrCorrupt ErrorKind = "corrupt"
)

// CallError is the Err side of PollResult and DeliveryResult.
type CallError struct {
	Kind   ErrorKind
	Detail string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// NewCallError builds a CallError with a formatted detail.
func NewCallError(kind ErrorKind, format string, args ...interface{}) *CallError {
	return &CallError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// PollResult is Ok(Bookings) when Err is nil.
type PollResult struct {
	Bookings []Booking
	Err      *CallError
}

// OK reports whether the poll succeeded.
func (r PollResult) OK() bool { return r.Err == nil }

// PollOK wraps fetched bookings.
func PollOK(bookings []Booking) PollResult { return PollResult{Bookings: bookings} }

// PollErr wraps a failure.
func PollErr(kind ErrorKind, format string, args ...interface{}) PollResult {
	return PollResult{Err: NewCallError(kind, format, args...)}
}

// DeliveryResult is the outcome of one outbound call.
type DeliveryResult struct {
	Err *CallError
}

// OK reports whether the delivery succeeded.
func (r DeliveryResult) OK() bool { return r.Err == nil }

// Delivered is the successful DeliveryResult.
func Delivered() DeliveryResult { return DeliveryResult{} }

// DeliveryErr wraps a failure.
func DeliveryErr(kind ErrorKind, format string, args ...interface{}) DeliveryResult {
	return DeliveryResult{Err: NewCallError(kind, format, args...)}
}
