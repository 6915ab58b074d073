// Package oauth implements OAuth 2.0 + DPoP authentication for AT Protocol
// Personal Data Servers: handle-based login, PKCE/PAR authorization,
// DPoP-bound token exchange and refresh, and concurrency-safe session
// lifecycle management.
package oauth

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the semantic category of an Error. Callers branch on Kind
// to decide whether a failure is retryable, requires re-authentication, or
// is fatal for the current flow.
type Kind string

const (
	KindInvalidHandle        Kind = "invalid_handle"
	KindHandleResolution     Kind = "handle_resolution"
	KindPDSDiscovery         Kind = "pds_discovery"
	KindAuthServerDiscovery  Kind = "auth_server_discovery"
	KindMetadataValidation   Kind = "metadata_validation"
	KindTokenExchange        Kind = "token_exchange"
	KindRefreshTokenExpired  Kind = "refresh_token_expired"
	KindRefreshTokenRevoked  Kind = "refresh_token_revoked"
	KindTokenValidation      Kind = "token_validation"
	KindIssuerMismatch       Kind = "issuer_mismatch"
	KindInvalidState         Kind = "invalid_state"
	KindAuthorization        Kind = "authorization"
	KindDPoP                 Kind = "dpop"
	KindSession              Kind = "session"
	KindSessionNotFound      Kind = "session_not_found"
	KindNetwork              Kind = "network"
)

// Error is the root error type for the package. Every typed failure the
// engine raises is an *Error; Kind drives downstream retry/revoke decisions
// (see KindOf).
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// TokenExchange / RefreshTokenExpired / RefreshTokenRevoked
	ErrorCode        string
	ErrorDescription string

	// IssuerMismatch
	ExpectedIssuer string
	ActualIssuer   string
	Handle         string // populated after callback, if known
	DID            string // populated after callback, if known
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &Error{Kind: ...}) to match purely on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// isNetworkError classifies a generic error as transient/reachability per
// §4.1: message contains network|timeout|connection|fetch, or it already
// wraps a *Error of KindNetwork.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if k, ok := KindOf(err); ok && k == KindNetwork {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"network", "timeout", "connection", "fetch"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
