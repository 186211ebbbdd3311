package identities

import (
	"errors"
	"fmt"
)

// Kind classifies a service failure for the transport layer.
type Kind string

const (
	KindInvalidArgument    Kind = "invalid_argument"
	KindNotFound           Kind = "not_found"
	KindPermissionDenied   Kind = "permission_denied"
	KindFailedPrecondition Kind = "failed_precondition"
	KindUnimplemented      Kind = "unimplemented"
	KindInternal           Kind = "internal"
)

var (
	// ErrInvalidArgument matches malformed, ambiguous or unsupported caller input.
	ErrInvalidArgument = errors.New("identities: invalid argument")
	// ErrNotFound matches references to identities that do not exist.
	ErrNotFound = errors.New("identities: identity not found")
	// ErrPermissionDenied matches identities owned by a different user.
	ErrPermissionDenied = errors.New("identities: identity belongs to another user")
	// ErrFailedPrecondition matches operations refused because of current state.
	ErrFailedPrecondition = errors.New("identities: failed precondition")
	// ErrUnimplemented matches flows the service deliberately does not support.
	ErrUnimplemented = errors.New("identities: unimplemented")
	// ErrInternal matches infrastructure and consistency failures.
	ErrInternal = errors.New("identities: internal failure")
)

var kindSentinels = map[Kind]error{
	KindInvalidArgument:    ErrInvalidArgument,
	KindNotFound:           ErrNotFound,
	KindPermissionDenied:   ErrPermissionDenied,
	KindFailedPrecondition: ErrFailedPrecondition,
	KindUnimplemented:      ErrUnimplemented,
	KindInternal:           ErrInternal,
}

// ServiceError describes a failed service operation.
type ServiceError struct {
	kind    Kind
	code    string
	message string
	err     error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is matches the sentinel that corresponds to the error kind.
func (e *ServiceError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.kind]
	return ok && target == sentinel
}

// Code returns the operation-scoped failure code, e.g. identities.unlink.last_identity.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the failure classification.
func (e *ServiceError) Kind() Kind {
	return e.kind
}

// Message returns text that is safe to show to callers. Internal failures never carry
// the underlying store error.
func (e *ServiceError) Message() string {
	if e.kind == KindInternal {
		return "internal error"
	}
	if e.message != "" {
		return e.message
	}
	if e.err != nil {
		return e.err.Error()
	}
	return e.code
}

func newServiceError(kind Kind, operation, reason, message string, cause error) error {
	return &ServiceError{
		kind:    kind,
		code:    fmt.Sprintf("%s.%s", operation, reason),
		message: message,
		err:     cause,
	}
}

// KindOf reports the classification of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindInternal
}
