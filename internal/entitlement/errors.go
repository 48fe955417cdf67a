package entitlement

import (
	"errors"
	"fmt"
)

// Code identifies a denial. Clients switch on it to tell "buy a plan" apart
// from "remove a device" and "try again later".
type Code string

const (
	CodeSubscriptionRequired  Code = "subscription_required"
	CodeNoActiveEntitlement   Code = "no_active_entitlement"
	CodeOfflineNotAllowed     Code = "offline_not_allowed"
	CodeDeviceNotFound        Code = "device_not_found"
	CodeDeviceLimitExceeded   Code = "device_limit_exceeded"
	CodeDownloadLimitExceeded Code = "download_limit_exceeded"
	CodeContentUnavailable    Code = "content_unavailable"
	CodeInvalidToken          Code = "invalid_token"
	CodeForbidden             Code = "forbidden"
	CodeNoActiveGrant         Code = "no_active_grant"
	CodeNotFound              Code = "not_found"
	CodeInvalidState          Code = "invalid_state"
	CodeExpired               Code = "expired"
	CodeConfiguration         Code = "configuration_error"
	CodeInvalidRequest        Code = "invalid_request"
)

// Error is a typed, user-presentable denial.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, entitlement.ErrDeviceLimitExceeded) regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is. Their messages are the defaults used by deny.
var (
	ErrSubscriptionRequired  = &Error{CodeSubscriptionRequired, "an active subscription is required"}
	ErrNoActiveEntitlement   = &Error{CodeNoActiveEntitlement, "no active subscription to register devices against"}
	ErrOfflineNotAllowed     = &Error{CodeOfflineNotAllowed, "your plan does not include offline downloads"}
	ErrDeviceNotFound        = &Error{CodeDeviceNotFound, "device not found"}
	ErrDeviceLimitExceeded   = &Error{CodeDeviceLimitExceeded, "device limit reached"}
	ErrDownloadLimitExceeded = &Error{CodeDownloadLimitExceeded, "offline download limit reached"}
	ErrContentUnavailable    = &Error{CodeContentUnavailable, "content is not available"}
	ErrInvalidToken          = &Error{CodeInvalidToken, "download token is invalid"}
	ErrForbidden             = &Error{CodeForbidden, "forbidden"}
	ErrNoActiveGrant         = &Error{CodeNoActiveGrant, "no active download grant"}
	ErrNotFound              = &Error{CodeNotFound, "not found"}
	ErrInvalidState          = &Error{CodeInvalidState, "invalid state for this operation"}
	ErrExpired               = &Error{CodeExpired, "grant has expired"}
	ErrConfiguration         = &Error{CodeConfiguration, "service is misconfigured"}
	ErrInvalidRequest        = &Error{CodeInvalidRequest, "invalid request"}
)

// deny builds a denial with a specific message.
func deny(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts the denial from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ErrRecordNotFound is returned by Store lookups that match no row. It is an
// infrastructure signal, translated into a denial by the engine.
var ErrRecordNotFound = errors.New("record not found")
