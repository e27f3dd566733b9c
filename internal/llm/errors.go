package llm

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"
	KindAuth        ErrorKind = "auth"
	KindRateLimit   ErrorKind = "rate_limit"
	KindBadResponse ErrorKind = "bad_response"
)

// GatewayError reports that the backend could not produce a reply. It never
// triggers a query repair.
type GatewayError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call could succeed later unchanged.
func (e *GatewayError) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindRateLimit
}

func NewGatewayError(provider string, kind ErrorKind, status int, err error) *GatewayError {
	return &GatewayError{Provider: provider, Kind: kind, StatusCode: status, Err: err}
}

func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	default:
		return KindTransport
	}
}

func AsGatewayError(err error) (*GatewayError, bool) {
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr, true
	}
	return nil, false
}
