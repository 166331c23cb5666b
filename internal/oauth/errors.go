package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned by the store when a record is absent or expired.
var ErrNotFound = errors.New("oauth: record not found")

// ErrorKind classifies protocol failures so the HTTP layer can pick a status.
type ErrorKind int

const (
	KindInvalidRequest ErrorKind = iota + 1
	KindInvalidClient
	KindInvalidGrant
	KindWrongClient
	KindInvalidScope
	KindInvalidTarget
	KindInvalidToken
	KindInsufficientScope
	KindUnsupportedGrantType
	KindUnauthorizedClient
	KindServerError
)

var kindCodes = map[ErrorKind]string{
	KindInvalidRequest:       "invalid_request",
	KindInvalidClient:        "invalid_client",
	KindInvalidGrant:         "invalid_grant",
	KindWrongClient:          "invalid_grant",
	KindInvalidScope:         "invalid_scope",
	KindInvalidTarget:        "invalid_target",
	KindInvalidToken:         "invalid_token",
	KindInsufficientScope:    "insufficient_scope",
	KindUnsupportedGrantType: "unsupported_grant_type",
	KindUnauthorizedClient:   "unauthorized_client",
	KindServerError:          "server_error",
}

// Error is a structured OAuth protocol error.
type Error struct {
	Kind        ErrorKind
	Description string
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Code() + ": " + e.Description
}

// Code returns the RFC 6749 error code.
func (e *Error) Code() string {
	if code, ok := kindCodes[e.Kind]; ok {
		return code
	}
	return "server_error"
}

// HTTPStatus maps the error to the status used by the token and resource endpoints.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidClient, KindInvalidToken:
		return http.StatusUnauthorized
	case KindInsufficientScope:
		return http.StatusForbidden
	case KindServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Body returns the JSON error object.
func (e *Error) Body() map[string]string {
	return map[string]string{
		"error":             e.Code(),
		"error_description": e.Description,
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var oerr *Error
	return errors.As(err, &oerr) && oerr.Kind == kind
}

// UpstreamError carries a failed upstream token response so it can be
// forwarded to the caller unchanged.
type UpstreamError struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream token endpoint returned %d", e.StatusCode)
}
