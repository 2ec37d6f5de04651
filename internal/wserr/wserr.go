// Package wserr defines the error kinds shared by every stage of the
// segmentation pipeline. Kinds are classified with errors.Is; the wrapped
// error carries the descriptive message and a stack trace.
package wserr

import (
	"github.com/pkg/errors"
)

var (
	// ErrInput covers missing or invalid files, out-of-range channels and
	// impossible tilings.
	ErrInput = errors.New("input error")

	// ErrModel covers failures of the external predictor. These are never retried.
	ErrModel = errors.New("model error")

	// ErrConfiguration covers parameters that must be positive (or otherwise
	// constrained) but are not.
	ErrConfiguration = errors.New("configuration error")
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Input returns an ErrInput-classified error
func Input(format string, args ...interface{}) error {
	return &kindError{kind: ErrInput, err: errors.Errorf(format, args...)}
}

// WrapInput classifies cause as an input error
func WrapInput(cause error, format string, args ...interface{}) error {
	return &kindError{kind: ErrInput, err: errors.Wrapf(cause, format, args...)}
}

// Model classifies cause as a predictor failure
func Model(cause error, format string, args ...interface{}) error {
	return &kindError{kind: ErrModel, err: errors.Wrapf(cause, format, args...)}
}

// Configuration returns an ErrConfiguration-classified error
func Configuration(format string, args ...interface{}) error {
	return &kindError{kind: ErrConfiguration, err: errors.Errorf(format, args...)}
}

// Kind reports which of the known kinds err belongs to, or nil
func Kind(err error) error {
	for _, k := range []error{ErrInput, ErrModel, ErrConfiguration} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
