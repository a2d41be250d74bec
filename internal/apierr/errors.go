package apierr

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrAuthentication = errors.New("authentication error")
	ErrAuthorization  = errors.New("authorization error")
	ErrTransport      = errors.New("transport error")
	ErrParse          = errors.New("parse error")
	ErrHTTP           = errors.New("http error")

	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrAuthentication)
	ErrUnauthorized       = fmt.Errorf("%w: session expired or unauthorized", ErrAuthentication)
	ErrForbidden          = fmt.Errorf("%w: access denied", ErrAuthorization)
	ErrMalformedBody      = fmt.Errorf("%w: unexpected response shape", ErrParse)
)

const snippetLimit = 200

func Validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// TransportError wraps a network-level failure; the request never got an HTTP status.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// ParseError carries the status and a bounded prefix of the body that failed to decode.
type ParseError struct {
	Status  int
	Snippet string
	Err     error
}

func NewParseError(status int, body []byte, err error) *ParseError {
	if len(body) > snippetLimit {
		cut := snippetLimit
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return &ParseError{Status: status, Snippet: string(body), Err: err}
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse: status %d: %v (body %q)", e.Status, e.Err, e.Snippet)
	}
	return fmt.Sprintf("parse: status %d: non-JSON body %q", e.Status, e.Snippet)
}

func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrParse}
	}
	return []error{ErrParse, e.Err}
}

// HTTPError is a non-2xx status other than 401, 403 and 404.
type HTTPError struct {
	Status int
	Method string
	Path   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d on %s %s", e.Status, e.Method, e.Path)
}

func (e *HTTPError) Unwrap() error { return ErrHTTP }

// StatusOf reports the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Status
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return 401
	case errors.Is(err, ErrForbidden):
		return 403
	}
	return 0
}
