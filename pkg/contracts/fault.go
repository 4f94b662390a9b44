package contracts

import (
	"errors"
	"fmt"
	"net/http"
)

// Fault is the typed failure every component boundary returns. The
// orchestrator maps it onto the wire error envelope unchanged; reason codes
// are never swallowed or reinterpreted on the way up.
type Fault struct {
	StatusCode int        `json:"-"`
	Code       string     `json:"error"`
	Message    string     `json:"message"`
	ReasonCode ReasonCode `json:"reason_code,omitempty"`
	Dependency string     `json:"dependency,omitempty"`
}

func (f *Fault) Error() string {
	if f.ReasonCode != "" && f.ReasonCode != ReasonNone {
		return fmt.Sprintf("%s (%s): %s", f.Code, f.ReasonCode, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// AsFault unwraps err into a *Fault, or wraps it as an internal error so the
// originating message survives in the 500 envelope.
func AsFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return Internal("%s", err.Error())
}

func NewFault(status int, code string, reason ReasonCode, format string, args ...any) *Fault {
	return &Fault{
		StatusCode: status,
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		ReasonCode: reason,
	}
}

// InvalidRequest is a 400 validation failure.
func InvalidRequest(format string, args ...any) *Fault {
	return NewFault(http.StatusBadRequest, "invalid_request", "", format, args...)
}

// NotFound is a 404; also used when a claim-triple mismatch scopes an object
// out of the caller's view.
func NotFound(format string, args ...any) *Fault {
	return NewFault(http.StatusNotFound, "not_found", "", format, args...)
}

// Forbidden is a 403 authorization or capability failure.
func Forbidden(reason ReasonCode, format string, args ...any) *Fault {
	return NewFault(http.StatusForbidden, "forbidden", reason, format, args...)
}

// StateConflict is a 409 state-precondition failure.
func StateConflict(reason ReasonCode, format string, args ...any) *Fault {
	return NewFault(http.StatusConflict, "conflict", reason, format, args...)
}

// DependencyOutage is a 503 upstream-dependency failure.
func DependencyOutage(dependency string, reason ReasonCode, format string, args ...any) *Fault {
	f := NewFault(http.StatusServiceUnavailable, "dependency_outage", reason, format, args...)
	f.Dependency = dependency
	return f
}

// Internal is a 500.
func Internal(format string, args ...any) *Fault {
	return NewFault(http.StatusInternalServerError, "internal_error", ReasonFailedInternalError, format, args...)
}
