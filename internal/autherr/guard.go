package autherr

import "errors"

// Check returns value unchanged when violated(value) is false and failure otherwise.
// Code after a successful Check may rely on the invariant the predicate describes.
func Check[T any](value T, violated func(T) bool, failure *Error) (T, error) {
	if violated(value) {
		var zero T
		return zero, failure
	}
	return value, nil
}

// Require returns failure unless ok holds.
func Require(ok bool, failure *Error) error {
	if !ok {
		return failure
	}
	return nil
}

// Rewrap rewrites err for a public boundary.
//
// With a fixed kind the failure is masked: the result carries that kind and message only.
// With KeepKind a domain error keeps its kind and gets message instead of its own.
// Details never survive; the original error stays reachable through Unwrap for logging.
// Errors outside the taxonomy degrade to KindInternal unless a fixed kind is given.
func Rewrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	if kind != KeepKind {
		return Wrap(err, kind, message)
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return Wrap(err, domainErr.Kind, message)
	}
	return Wrap(err, KindInternal, message)
}

// Shield runs block and rewrites any failure it returns with Rewrap.
func Shield[T any](kind Kind, message string, block func() (T, error)) (T, error) {
	value, err := block()
	if err != nil {
		var zero T
		return zero, Rewrap(err, kind, message)
	}
	return value, nil
}
