package privchatsdk

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into the taxonomy documented in SPEC_FULL.md §7.
type Kind int

const (
	// KindGeneric covers uncategorizable failures.
	KindGeneric Kind = iota
	// KindDatabase covers any local store failure.
	KindDatabase
	// KindNetwork covers transport failure or a non-zero RPC code.
	KindNetwork
	// KindAuthentication covers login/token/register failure.
	KindAuthentication
	// KindInvalidParameter covers a caller-supplied value violating a documented constraint.
	KindInvalidParameter
	// KindTimeout covers an operation that exceeded its deadline.
	KindTimeout
	// KindDisconnected covers an operation requiring a live connection.
	KindDisconnected
	// KindNotInitialized covers SDK use before Initialize.
	KindNotInitialized
	// KindUploadFailed covers a media upload step failure.
	KindUploadFailed
	// KindPermissionDenied covers local filesystem or server permission denial.
	KindPermissionDenied
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "Generic"
	case KindDatabase:
		return "Database"
	case KindNetwork:
		return "Network"
	case KindAuthentication:
		return "Authentication"
	case KindInvalidParameter:
		return "InvalidParameter"
	case KindTimeout:
		return "Timeout"
	case KindDisconnected:
		return "Disconnected"
	case KindNotInitialized:
		return "NotInitialized"
	case KindUploadFailed:
		return "UploadFailed"
	case KindPermissionDenied:
		return "PermissionDenied"
	default:
		return "Unknown"
	}
}

// Error is the single surface type every fallible public operation returns.
// Kind-specific fields are populated only for the kinds that carry them; see
// SPEC_FULL.md §7.
type Error struct {
	Kind        Kind
	Message     string
	Code        int32  // Network
	Field       string // InvalidParameter
	TimeoutSecs uint64 // Timeout
	Cause       error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	if e.Kind == KindNetwork && e.Code != 0 {
		return fmt.Sprintf("%s: %s (code=%d)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, &Error{Kind: KindDisconnected}).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func errGeneric(msg string, cause error) *Error    { return newErr(KindGeneric, msg, cause) }
func errDatabase(msg string, cause error) *Error   { return newErr(KindDatabase, msg, cause) }
func errDisconnected() *Error                      { return newErr(KindDisconnected, "operation requires a live connection", nil) }
func errNotInitialized() *Error                    { return newErr(KindNotInitialized, "SDK used before Initialize", nil) }
func errInvalidParam(field, msg string) *Error {
	return &Error{Kind: KindInvalidParameter, Message: msg, Field: field}
}
func errTimeout(secs uint64) *Error {
	return &Error{Kind: KindTimeout, Message: "operation timed out", TimeoutSecs: secs}
}
func errNetwork(code int32, msg string) *Error {
	return &Error{Kind: KindNetwork, Message: msg, Code: code}
}
func errAuth(reason string) *Error { return newErr(KindAuthentication, reason, nil) }
func errUpload(msg string, cause error) *Error {
	return newErr(KindUploadFailed, msg, cause)
}
func errPermission(msg string) *Error { return newErr(KindPermissionDenied, msg, nil) }
