/*
Package errs provides the application error codes and the CustomError type
used by the HTTP surface for unified error reporting.
*/
package errs

import (
	"fmt"
	"net/http"
)

// CustomError carries a business error code alongside the HTTP status and
// a client-safe message.
type CustomError struct {
	Code    int
	Message string
	Status  int
}

// Error implements the error interface.
func (e CustomError) Error() string {
	return fmt.Sprintf("Error Code %d (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// NewError returns the CustomError registered for code. Unknown codes fall
// back to ErrUnknown rather than panicking.
func NewError(code int) *CustomError {
	template, ok := errorMap[code]
	if !ok {
		template = errorMap[ErrUnknown]
	}

	customErr := template
	if customErr.Status == 0 {
		customErr.Status = http.StatusOK
	}

	return &customErr
}
