// Package errors defines the error taxonomy shared by the ledger, the engine
// and the RPC layer. Every error carries a stable wire name so the peer can
// react to it programmatically.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Wire names. These travel in the {error:{name,message}} RPC envelope and must
// not change between releases.
const (
	NameInvalidFields      = "InvalidFieldsError"
	NameNotAccepted        = "NotAcceptedError"
	NameAlreadyRejected    = "AlreadyRejectedError"
	NameAlreadyFulfilled   = "AlreadyFulfilledError"
	NameDuplicateID        = "DuplicateIdError"
	NameNotConnected       = "NotConnectedError"
	NameHandlerRegistered  = "RequestHandlerAlreadyRegisteredError"
	NameTransferNotFound   = "TransferNotFoundError"
	NameMissingFulfillment = "MissingFulfillmentError"
	NameUnauthorized       = "UnauthorizedError"
	NameMethodNotFound     = "MethodNotFoundError"
	NameInternal           = "InternalError"
)

// Error is a service error with a stable wire name and an HTTP status used
// when it crosses the RPC boundary.
type Error struct {
	Name       string
	Message    string
	HTTPStatus int
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Name, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by wire name so callers can use errors.Is with the
// sentinel constructors below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Name == e.Name
}

// InvalidFields reports a structural validation failure.
func InvalidFields(format string, args ...interface{}) *Error {
	return &Error{Name: NameInvalidFields, Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}

// NotAccepted reports a policy rejection: balance bounds, backend refusal.
func NotAccepted(format string, args ...interface{}) *Error {
	return &Error{Name: NameNotAccepted, Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusUnprocessableEntity}
}

// AlreadyRejected reports an operation that requires a non-cancelled transfer.
func AlreadyRejected(id string) *Error {
	return &Error{Name: NameAlreadyRejected, Message: fmt.Sprintf("transfer %s has already been cancelled", id), HTTPStatus: http.StatusUnprocessableEntity}
}

// AlreadyFulfilled reports an operation that requires a non-fulfilled transfer.
func AlreadyFulfilled(id string) *Error {
	return &Error{Name: NameAlreadyFulfilled, Message: fmt.Sprintf("transfer %s has already been fulfilled", id), HTTPStatus: http.StatusUnprocessableEntity}
}

// Duplicate reports a prepare with an existing id but different contents.
func Duplicate(id string) *Error {
	return &Error{Name: NameDuplicateID, Message: fmt.Sprintf("transfer %s already exists with different contents", id), HTTPStatus: http.StatusConflict}
}

// NotConnected reports a public operation invoked outside the connected state.
func NotConnected() *Error {
	return &Error{Name: NameNotConnected, Message: "plugin is not connected", HTTPStatus: http.StatusServiceUnavailable}
}

// HandlerRegistered reports a second request-handler registration.
func HandlerRegistered() *Error {
	return &Error{Name: NameHandlerRegistered, Message: "a request handler is already registered", HTTPStatus: http.StatusConflict}
}

// TransferNotFound reports a reference to an unknown transfer id.
func TransferNotFound(id string) *Error {
	return &Error{Name: NameTransferNotFound, Message: fmt.Sprintf("no transfer with id %s", id), HTTPStatus: http.StatusNotFound}
}

// MissingFulfillment reports a fulfillment query on an unfulfilled transfer.
func MissingFulfillment(id string) *Error {
	return &Error{Name: NameMissingFulfillment, Message: fmt.Sprintf("transfer %s has no fulfillment", id), HTTPStatus: http.StatusNotFound}
}

// Unauthorized reports a bad or missing bearer token.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "invalid authorization"
	}
	return &Error{Name: NameUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// MethodNotFound reports dispatch of an unknown RPC method.
func MethodNotFound(method string) *Error {
	return &Error{Name: NameMethodNotFound, Message: fmt.Sprintf("unknown method %s", method), HTTPStatus: http.StatusNotFound}
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return &Error{Name: NameInternal, Message: message, HTTPStatus: http.StatusInternalServerError, cause: cause}
}

// Get extracts a *Error from err's chain, or nil.
func Get(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// HasName reports whether err carries the given wire name.
func HasName(err error, name string) bool {
	se := Get(err)
	return se != nil && se.Name == name
}

// FromWire reconstructs an error received in an RPC error envelope.
func FromWire(name, message string) *Error {
	if name == "" {
		name = NameInternal
	}
	return &Error{Name: name, Message: message, HTTPStatus: http.StatusInternalServerError}
}
