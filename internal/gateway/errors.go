package gateway

import (
	"errors"
	"fmt"
	"net"
)

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// ErrMalformedResponse marks a provider reply the gateway cannot use. It is
// never retried.
var ErrMalformedResponse = errors.New("malformed provider response")

// ErrNotSupported is returned by providers lacking an operation, e.g. embeddings.
var ErrNotSupported = errors.New("operation not supported by provider")

type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status to an error kind. Rate limits, request
// timeouts and upstream overload are transient; everything else is permanent.
func ClassifyStatus(status int) ErrorKind {
	switch status {
	case 408, 425, 429, 500, 502, 503, 504, 529:
		return KindTransient
	default:
		return KindPermanent
	}
}

func NewProviderError(provider string, status int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Kind:       ClassifyStatus(status),
		StatusCode: status,
		Err:        err,
	}
}

func Transient(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindTransient, Err: err}
}

func Permanent(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindPermanent, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
