package guestsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error kinds. Every error produced by this package matches exactly one of
// these through errors.Is.
var (
	ErrStorageUnavailable = errors.New("local storage unavailable")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrServerRejected     = errors.New("server rejected request")
	ErrUnknown            = errors.New("unknown failure")
)

// SyncError attaches an operation name and an error kind to a cause.
type SyncError struct {
	Op   string
	Kind error
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is matches the error kind as well as anything in the cause chain.
func (e *SyncError) Is(target error) bool {
	return target == e.Kind
}

func storageErr(op string, err error) error {
	return &SyncError{Op: op, Kind: ErrStorageUnavailable, Err: err}
}

// APIError is a non-2xx response from the guest-list API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

// Classify maps err to one of ErrNetworkUnavailable, ErrServerRejected,
// ErrStorageUnavailable or ErrUnknown. A nil error classifies as nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrStorageUnavailable, ErrNetworkUnavailable, ErrServerRejected, ErrUnknown} {
		if errors.Is(err, kind) {
			return kind
		}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			return ErrServerRejected
		}
		return ErrUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNetworkUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetworkUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrNetworkUnavailable
	}
	if errors.Is(err, http.ErrHandlerTimeout) {
		return ErrNetworkUnavailable
	}
	return ErrUnknown
}

// classified wraps err with its kind so callers can use errors.Is directly.
func classified(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	return &SyncError{Op: op, Kind: Classify(err), Err: err}
}
