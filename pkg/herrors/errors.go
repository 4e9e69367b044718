// Package herrors gives halvor's errors a typed Kind so the CLI layer
// can choose an exit behavior without parsing error strings, while
// still relying on ordinary fmt.Errorf("%w") wrapping for the
// syscall → operation → phase context chain.
package herrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of operator-facing
// diagnostics and exit-code selection. It does not replace Go's error
// wrapping - a herrors.Error still wraps an underlying cause with %w.
type Kind string

const (
	// KindConfiguration covers missing host records, empty tokens,
	// and other invalid inputs caught before anything runs.
	KindConfiguration Kind = "configuration"
	// KindTransport covers SSH handshake failures, unreachable
	// agents, and HTTP errors reaching an external service.
	KindTransport Kind = "transport"
	// KindProtocol covers installer failures, services that never
	// become active, and verifier exhaustion.
	KindProtocol Kind = "protocol"
	// KindPolicy covers expired join tokens and declined operator
	// confirmations.
	KindPolicy Kind = "policy"
	// KindEnvironmental covers an absent overlay daemon or a
	// privileged write attempted with no escalation material.
	KindEnvironmental Kind = "environmental"
)

// Error is a Kind-tagged error with an operation-scoped message. Nest
// errors through Err (exposed by Unwrap) or fmt.Errorf's %w to build
// the bottom/middle/top context layers the join state machine and
// verifier want on failure.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "fetch credential"
	Err     error
	Context string // optional extra detail, e.g. a next-command hint
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.Context != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Context)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a Kind-tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a Kind-tagged error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithContext attaches a next-step hint for the operator (e.g. a
// journalctl command) and returns the receiver for chaining.
func (e *Error) WithContext(context string) *Error {
	e.Context = context
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Kind, true
	}
	return "", false
}
