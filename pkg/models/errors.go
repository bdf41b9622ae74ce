package models

import "fmt"

// Stable error codes crossing the engine boundary. Transports map
// these to status codes; the strings themselves never change.
const (
	CodeUnknownTenant     = "UNKNOWN_TENANT"
	CodeTenantExists      = "TENANT_EXISTS"
	CodeOwnershipConflict = "OWNERSHIP_CONFLICT"
	CodeSelfWantRejected  = "SELF_WANT_REJECTED"
	CodeUnknownItem       = "UNKNOWN_ITEM"
	CodeBudgetExceeded    = "BUDGET_EXCEEDED" // informational, never fails an event
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeInternal          = "INTERNAL"
)

// EngineError is the typed error envelope. No stack traces cross the
// boundary; internal faults surface only as CodeInternal.
type EngineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds an EngineError with a formatted message.
func Errf(code, format string, args ...interface{}) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the stable code from any error, mapping unexpected
// faults to INTERNAL.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if ee, ok := err.(*EngineError); ok {
		return ee.Code
	}
	return CodeInternal
}
