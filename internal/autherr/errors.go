// Package autherr defines the closed error taxonomy shared by every vault and broker
// component, and the guard helpers that translate failures into it at public boundaries.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The set is closed; callers switch on it.
type Kind int

const (
	// KeepKind is only meaningful to Rewrap and Shield: keep the kind of the wrapped error.
	KeepKind Kind = iota
	KindNotFound
	KindUnauthorized
	KindTokenNotActive
	KindInvalidRequest
	KindInvalidStateToken
	KindIdP
	KindIdPCallback
	KindValidation
	KindDatabase
	KindInternal
)

type kindEntry struct {
	code   string
	status int
}

var kindTable = map[Kind]kindEntry{
	KindNotFound:          {code: "token_not_found", status: http.StatusNotFound},
	KindUnauthorized:      {code: "unauthorized", status: http.StatusUnauthorized},
	KindTokenNotActive:    {code: "token_not_active", status: http.StatusUnauthorized},
	KindInvalidRequest:    {code: "invalid_request", status: http.StatusBadRequest},
	KindInvalidStateToken: {code: "invalid_ack_state", status: http.StatusBadRequest},
	KindIdP:               {code: "idp_error", status: http.StatusBadGateway},
	KindIdPCallback:       {code: "idp_callback_error", status: http.StatusBadGateway},
	KindValidation:        {code: "validation_error", status: http.StatusBadRequest},
	KindDatabase:          {code: "database_error", status: http.StatusBadGateway},
	KindInternal:          {code: "internal_error", status: http.StatusInternalServerError},
}

// Code returns the stable machine-readable code for the kind.
func (kind Kind) Code() string {
	if entry, ok := kindTable[kind]; ok {
		return entry.code
	}
	return kindTable[KindInternal].code
}

// HTTPStatus returns the externally visible status for the kind.
func (kind Kind) HTTPStatus() int {
	if entry, ok := kindTable[kind]; ok {
		return entry.status
	}
	return http.StatusInternalServerError
}

func (kind Kind) String() string {
	return kind.Code()
}

// Error is the single domain error type. Details are diagnostic only and never rendered.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

// New builds a domain error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a domain error that keeps cause reachable through errors.Unwrap.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails returns a copy of the error carrying the given diagnostic details.
func (err *Error) WithDetails(details map[string]any) *Error {
	clone := *err
	clone.Details = details
	return &clone
}

func (err *Error) Error() string {
	if err.cause != nil {
		return fmt.Sprintf("%s: %s: %v", err.Kind.Code(), err.Message, err.cause)
	}
	return fmt.Sprintf("%s: %s", err.Kind.Code(), err.Message)
}

func (err *Error) Unwrap() error {
	return err.cause
}

// Is matches another *Error by kind, so errors.Is(err, autherr.New(KindNotFound, "")) works.
func (err *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == err.Kind
}

// Code returns the machine-readable code of the error.
func (err *Error) Code() string {
	return err.Kind.Code()
}

// KindOf reports the kind of err, or KindInternal for anything unclassified.
func KindOf(err error) Kind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInternal
}

// As extracts the outermost domain error, degrading unclassified errors to KindInternal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return Wrap(err, KindInternal, "Internal server error")
}
