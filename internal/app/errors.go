package app

import "fmt"

// DomainError is an error with a fixed HTTP status and a stable machine code.
// Codes used by this service: VALIDATION_ERROR, UNAUTHORIZED, ROW_NOT_FOUND,
// ROW_NOT_EDITABLE, CELL_NOT_EDITABLE, SHEET_FETCH_FAILED, NOT_FOUND and
// SERVER_ERROR. mapError passes these through untouched; anything else
// collapses to SERVER_ERROR.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
