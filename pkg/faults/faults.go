// Package faults defines the typed error taxonomy shared by the resilience
// supervisors. Every external call is wrapped into one of these codes so a
// failure can be classified without string matching.
package faults

import (
	"fmt"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for a failure class.
type Code string

const (
	// CodeProbeFailure: a single health probe could not complete or came
	// back negative. Never propagated as a raw error past the probe.
	CodeProbeFailure Code = "probe.failure"

	// CodeProbeTimeout: a probe exceeded its own deadline.
	CodeProbeTimeout Code = "probe.timeout"

	// CodeRecoveryFailure: one repair action at one ladder level failed.
	CodeRecoveryFailure Code = "recovery.action.failure"

	// CodeRecoveryExhausted: every ladder level failed; total failure.
	CodeRecoveryExhausted Code = "recovery.exhausted"

	// CodeResourceExhausted: memory or disk stayed over budget after
	// corrective action.
	CodeResourceExhausted Code = "resource.exhausted"

	// CodeSessionExpired: the authenticated session was classified expired.
	CodeSessionExpired Code = "session.expired"

	// CodeSessionOpFailure: a handle operation (navigate, evaluate,
	// state save) failed.
	CodeSessionOpFailure Code = "session.op.failure"

	// CodeReloginFailure: the login collaborator failed or is absent.
	CodeReloginFailure Code = "session.relogin.failure"

	// CodeConfigInvalid: configuration rejected at construction.
	CodeConfigInvalid Code = "config.invalid"
)

// New creates a coded error.
func New(code Code, msg string) error {
	return oops.Code(string(code)).New(msg)
}

// Errorf creates a coded error with formatting.
func Errorf(code Code, format string, args ...any) error {
	return oops.Code(string(code)).Errorf(format, args...)
}

// Wrap attaches a code and message to an existing error. Returns nil for nil.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(code)).Wrapf(err, "%s", msg)
}

// Wrapf attaches a code and formatted message to an existing error.
func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(code)).Wrapf(err, format, args...)
}

// With attaches structured key/value context to a coded error.
func With(err error, keyValues ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(CodeOf(err))).With(keyValues...).Wrap(err)
}

// CodeOf extracts the failure code, or empty for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch code := oopsErr.Code().(type) {
	case string:
		return Code(code)
	case Code:
		return code
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
