package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSessionNotFound is returned when a session ID cannot be found in a checkpoint store.
var ErrSessionNotFound = errors.New("session not found")

// ErrStale is returned by a guarded commit whose inputs were superseded.
var ErrStale = errors.New("inputs superseded by a newer version")

// ErrEngineClosed is returned when triggering an engine that is shutting down.
var ErrEngineClosed = errors.New("engine closed")

// ErrContractViolation matches any *ContractViolationError via errors.Is.
var ErrContractViolation = errors.New("contract violation")

// Registration failures. Wrapped by *RegistrationError.
var (
	ErrDuplicateStageName   = errors.New("duplicate stage name")
	ErrDuplicateOutputClaim = errors.New("duplicate output claim")
	ErrSelfWatch            = errors.New("stage watches its own output")
	ErrDependencyCycle      = errors.New("dependency cycle")
	ErrReservedKey          = errors.New("reserved key")
	ErrInvalidStage         = errors.New("invalid stage descriptor")
)

// ErrorKind classifies failures recorded in the error channel.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindTransient         ErrorKind = "transient"
	KindPermanent         ErrorKind = "permanent"
	KindRetriesExhausted  ErrorKind = "retries_exhausted"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindContractViolation ErrorKind = "contract_violation"
	KindCanceled          ErrorKind = "canceled"
)

// StageError is the error payload a stage body returns.
// Retriable errors are retried according to the stage policy; all others surface immediately.
type StageError struct {
	Kind      string
	Message   string
	Retriable bool
	Err       error
}

func (e *StageError) Error() string {
	label := "permanent"
	if e.Retriable {
		label = "transient"
	}
	if e.Kind != "" {
		label = e.Kind
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", label, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", label, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", label, e.Err)
	}
	return label
}

func (e *StageError) Unwrap() error { return e.Err }

// Fail builds a stage error payload.
func Fail(kind, message string, retriable bool) error {
	return &StageError{Kind: kind, Message: message, Retriable: retriable}
}

// Transient marks err as worth retrying (timeouts, transient I/O).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Retriable: true, Err: err}
}

// Permanent marks err as never retriable (bad input, broken contract).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Retriable: false, Err: err}
}

// IsTransient reports whether err should be retried.
// Unclassified errors are permanent; deadline expiry is transient.
func IsTransient(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Retriable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Issue is a single failed precondition.
type Issue struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// ValidationError reports the preconditions a stage run did not meet.
type ValidationError struct {
	Stage  string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.Key == "" {
			parts = append(parts, is.Reason)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", is.Key, is.Reason))
	}
	return fmt.Sprintf("stage %q failed validation: %s", e.Stage, strings.Join(parts, "; "))
}

// Keys returns the keys involved in the failed checks.
func (e *ValidationError) Keys() []string {
	var keys []string
	for _, is := range e.Issues {
		if is.Key != "" {
			keys = append(keys, is.Key)
		}
	}
	return keys
}

// RetriesExhaustedError is returned when a transient failure persists through every attempt.
type RetriesExhaustedError struct {
	Stage    string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("stage %q failed after %d attempts: %v", e.Stage, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// CircuitOpenError is returned when the stage circuit breaker rejects an invocation.
type CircuitOpenError struct {
	Stage      string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for stage %q (retry after %s)", e.Stage, e.RetryAfter.Round(time.Millisecond))
}

// ContractViolationError is returned when a patch writes keys outside the author's declared outputs.
type ContractViolationError struct {
	Author     string
	Undeclared []string
	Allowed    []string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("%q wrote undeclared keys %v (allowed: %v)", e.Author, e.Undeclared, e.Allowed)
}

func (e *ContractViolationError) Is(target error) bool { return target == ErrContractViolation }

// RegistrationError reports why a stage descriptor was refused.
type RegistrationError struct {
	Stage  string
	Err    error
	Detail string
}

func (e *RegistrationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("register %q: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("register %q: %v: %s", e.Stage, e.Err, e.Detail)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// KindOf maps an error to the kind recorded in the error channel.
func KindOf(err error) ErrorKind {
	var (
		ve *ValidationError
		re *RetriesExhaustedError
		ce *CircuitOpenError
		se *StageError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &re):
		return KindRetriesExhausted
	case errors.As(err, &ce):
		return KindCircuitOpen
	case errors.Is(err, ErrContractViolation):
		return KindContractViolation
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &se):
		if se.Retriable {
			return KindTransient
		}
		return KindPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindPermanent
}
