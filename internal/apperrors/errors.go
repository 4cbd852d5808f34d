// Package apperrors holds the error taxonomy shared by the connectivity layer.
// Callers match on Kind (errors.As or KindOf) rather than on message text.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups failures by how a caller is expected to react to them.
type Kind string

const (
	KindConstruction Kind = "construction"
	KindClient       Kind = "client"
	KindServer       Kind = "server"
	KindTransport    Kind = "transport"
	KindAuth         Kind = "auth"
	KindDiscovery    Kind = "discovery"
	KindOffline      Kind = "offline"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeInvalidBaseURL Code = "INVALID_BASE_URL"
	CodeTimeout        Code = "TIMEOUT"
	CodeAborted        Code = "ABORTED"
	CodeNetwork        Code = "NETWORK"
	CodeTLS            Code = "TLS"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeDirectory      Code = "DIRECTORY_UNAVAILABLE"
	CodeUnparseable    Code = "DIRECTORY_UNPARSEABLE"
	CodeNoServers      Code = "NO_SERVERS"
	CodePairingTimeout Code = "PAIRING_TIMEOUT"
	CodeOffline        Code = "OFFLINE"
)

// HTTPCode returns the code used for an unsuccessful HTTP status.
func HTTPCode(status int) Code {
	return Code(fmt.Sprintf("HTTP_%d", status))
}

// Error is the normalized failure returned by the request engine, discovery
// and the auth session manager.
type Error struct {
	Kind      Kind   `json:"kind"`
	Code      Code   `json:"code"`
	Status    int    `json:"status,omitempty"`
	Retryable bool   `json:"retryable"`
	URL       string `json:"url,omitempty"`
	Message   string `json:"message"`
	Cause     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.URL != "" {
		msg = fmt.Sprintf("[%s] - %s", e.URL, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Construction reports a request that could not be built (for example a
// malformed base URL). It is never retried.
func Construction(message string, cause error) *Error {
	return Wrap(KindConstruction, CodeInvalidBaseURL, message, cause)
}

// Transport reports a failure below HTTP: timeouts, aborted attempts, network
// and TLS errors.
func Transport(code Code, url string, cause error, retryable bool) *Error {
	return &Error{
		Kind:      KindTransport,
		Code:      code,
		Retryable: retryable,
		URL:       url,
		Message:   transportMessage(code),
		Cause:     cause,
	}
}

func transportMessage(code Code) string {
	switch code {
	case CodeTimeout:
		return "request timed out"
	case CodeAborted:
		return "request aborted"
	case CodeTLS:
		return "TLS handshake failed"
	default:
		return "network request failed"
	}
}

// FromStatus maps an unsuccessful HTTP status to the taxonomy. 401 is an
// auth failure; 408 and 429 stay retryable client errors; every other 4xx is
// fatal; 5xx is a retryable server error.
func FromStatus(status int, url, body string) *Error {
	e := &Error{
		Status:  status,
		Code:    HTTPCode(status),
		URL:     url,
		Message: fmt.Sprintf("%d: %s", status, body),
	}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		e.Kind = KindClient
		e.Retryable = true
	case status >= 400 && status < 500:
		e.Kind = KindClient
	default:
		e.Kind = KindServer
		e.Retryable = status >= 500
	}
	return e
}

func Auth(message string, cause error) *Error {
	return Wrap(KindAuth, CodeUnauthorized, message, cause)
}

func Discovery(code Code, message string, cause error) *Error {
	return Wrap(KindDiscovery, code, message, cause)
}

// Offline is returned without touching the network when offline mode is on.
func Offline() *Error {
	return New(KindOffline, CodeOffline, "Offline mode is on. Disable it to fetch library data.")
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a normalized error flagged retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsTLS reports whether err is a transport failure caused by TLS.
func IsTLS(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeTLS
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// CodeOf returns the code carried by err, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
