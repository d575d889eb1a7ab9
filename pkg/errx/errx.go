// Package errx provides structured application errors with stable codes,
// HTTP status mapping and per-domain registries. Domain packages declare a
// Registry, register their codes once at init time and expose small helper
// constructors (ErrSomethingNotFound) built on top of it.
package errx

import (
	"fmt"
	"net/http"
	"sync"
)

// Type classifies an error for transport mapping and retry decisions.
type Type string

const (
	TypeNotFound      Type = "not_found"
	TypeConflict      Type = "conflict"
	TypeAuthorization Type = "authorization"
	TypeBusiness      Type = "business"
	TypeValidation    Type = "validation"
	TypeInternal      Type = "internal"
	TypeExternal      Type = "external"
	TypeRateLimit     Type = "rate_limit"
	TypeTimeout       Type = "timeout"
	TypeUnavailable   Type = "unavailable"
)

// Error is the canonical application error. It carries a stable machine code,
// a human message, an HTTP status and optional structured details plus the
// underlying cause.
type Error struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Type       Type           `json:"type"`
	HTTPStatus int            `json:"status"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value pair and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause attaches the underlying error and returns the error for chaining.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// New creates an unregistered error. The code is derived from the type; use a
// Registry when the code needs to be stable and documented.
func New(message string, t Type) *Error {
	return &Error{
		Code:       fmt.Sprintf("ERR_%s", t),
		Message:    message,
		Type:       t,
		HTTPStatus: statusForType(t),
	}
}

// Wrap creates an error that preserves the cause.
func Wrap(err error, message string, t Type) *Error {
	return &Error{
		Code:       fmt.Sprintf("ERR_%s", t),
		Message:    message,
		Type:       t,
		HTTPStatus: statusForType(t),
		Err:        err,
	}
}

// IsType reports whether err (or anything it wraps) is an *Error of type t.
func IsType(err error, t Type) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Type == t {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code string) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func statusForType(t Type) int {
	switch t {
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeAuthorization:
		return http.StatusUnauthorized
	case TypeBusiness:
		return http.StatusUnprocessableEntity
	case TypeValidation:
		return http.StatusBadRequest
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeTimeout:
		return http.StatusGatewayTimeout
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	case TypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type definition struct {
	errType    Type
	httpStatus int
	message    string
}

// Registry namespaces error codes for one domain. Register returns the fully
// qualified code ("APIKEY_NOT_FOUND") so packages can export it as a constant.
type Registry struct {
	prefix string
	mu     sync.RWMutex
	defs   map[string]definition
}

func NewRegistry(prefix string) *Registry {
	return &Registry{
		prefix: prefix,
		defs:   make(map[string]definition),
	}
}

// Register records a code definition and returns the qualified code.
// Registering the same code twice overwrites the previous definition.
func (r *Registry) Register(code string, t Type, httpStatus int, message string) string {
	full := fmt.Sprintf("%s_%s", r.prefix, code)
	r.mu.Lock()
	r.defs[full] = definition{errType: t, httpStatus: httpStatus, message: message}
	r.mu.Unlock()
	return full
}

// New builds a fresh Error for a registered code. Unknown codes yield an
// internal error so a miswired call site is visible instead of panicking.
func (r *Registry) New(code string) *Error {
	r.mu.RLock()
	def, ok := r.defs[code]
	r.mu.RUnlock()
	if !ok {
		return &Error{
			Code:       code,
			Message:    "unregistered error code",
			Type:       TypeInternal,
			HTTPStatus: http.StatusInternalServerError,
		}
	}
	return &Error{
		Code:       code,
		Message:    def.message,
		Type:       def.errType,
		HTTPStatus: def.httpStatus,
	}
}

// NewWithMessage builds an Error for a registered code with a custom message.
func (r *Registry) NewWithMessage(code, message string) *Error {
	e := r.New(code)
	e.Message = message
	return e
}
