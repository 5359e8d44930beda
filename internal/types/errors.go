package types

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds the service reports. Transport
// layers map kinds onto status codes; everything else wraps.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindNotFound            Kind = "not_found"
	KindManifest            Kind = "manifest_error"
	KindExtractorUnavailable Kind = "extractor_unavailable"
	KindExtractorTimeout    Kind = "extractor_timeout"
	KindParseFailed         Kind = "parse_failed"
	KindMissingFlags        Kind = "missing_flags"
	KindOverlayCapExceeded  Kind = "overlay_cap_exceeded"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindWriteContention     Kind = "write_contention"
	KindStoreCorrupt        Kind = "store_corrupt"
	KindSyncAuthFailed      Kind = "sync_auth_failed"
	KindSyncCheckoutFailed  Kind = "sync_checkout_failed"
	KindInternal            Kind = "internal_error"
)

// Error carries a kind alongside the message and wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapE wraps an underlying error with a kind and message.
func WrapE(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain; unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
