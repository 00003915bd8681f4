package upstream

import (
	"fmt"
	"strings"
)

// Kind classifies an upstream failure. The gateway maps kinds to HTTP
// status codes; nothing above this package inspects raw upstream messages.
type Kind string

const (
	KindAuthFailed       Kind = "auth_failed"
	KindSessionExpired   Kind = "session_expired"
	KindPermissionDenied Kind = "permission_denied"
	KindMethodNotFound   Kind = "method_not_found"
	KindModelNotFound    Kind = "model_not_found"
	KindRecordNotFound   Kind = "record_not_found"
	KindTimeout          Kind = "timeout"
	KindConnection       Kind = "connection_error"
	KindUpstream         Kind = "upstream_error"
)

// sessionExpiredCode is the distinguished error code the upstream returns
// when the session cookie is no longer valid.
const sessionExpiredCode = 100

// Error is a classified upstream failure.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Data    map[string]any
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("upstream %s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	ue, ok := err.(*Error)
	return ok && ue.Kind == kind
}

// classifyRPCError turns a JSON-RPC error object into a typed Error.
// Pattern order matters: method-not-found is checked before model-not-found
// because the upstream phrases both as "... does not exist".
func classifyRPCError(code int, message string, data map[string]any) *Error {
	e := &Error{Code: code, Message: message, Data: data}

	if code == sessionExpiredCode {
		e.Kind = KindSessionExpired
		return e
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "access denied"),
		strings.Contains(lower, "access error"),
		strings.Contains(lower, "permission"):
		e.Kind = KindPermissionDenied
	case strings.Contains(lower, "does not exist") && strings.Contains(lower, "method"):
		e.Kind = KindMethodNotFound
	case strings.Contains(lower, "does not exist") && strings.Contains(lower, "model"):
		e.Kind = KindModelNotFound
	case strings.Contains(lower, "does not exist") && strings.Contains(lower, "record"),
		strings.Contains(lower, "missing record"):
		e.Kind = KindRecordNotFound
	default:
		e.Kind = KindUpstream
	}
	return e
}

// IsValidationError reports whether an upstream error looks like user input
// validation rather than a server fault. Used by the HTTP boundary to decide
// between 400 and 500.
func IsValidationError(err error) bool {
	ue, ok := err.(*Error)
	if !ok || ue.Kind != KindUpstream {
		return false
	}
	name, _ := ue.Data["name"].(string)
	return strings.Contains(name, "ValidationError") ||
		strings.Contains(name, "UserError") ||
		strings.Contains(strings.ToLower(ue.Message), "validation")
}
