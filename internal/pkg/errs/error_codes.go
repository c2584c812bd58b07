package errs

import "net/http"

// 1xxx: general request handling errors
const (
	// ErrInvalidParams indicates request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrRateLimitExceeded indicates the caller exceeded a rate limit.
	ErrRateLimitExceeded = 1007
)

// 3xxx: session and connection errors
const (
	// ErrSessionKicked indicates the connection was replaced by a newer
	// one presenting the same user id.
	ErrSessionKicked = 3004
)

// 5xxx: internal system errors
const (
	// ErrUnknown is an unclassified server error.
	ErrUnknown = 5000

	// ErrServiceUnavailable indicates the presence core is shutting down.
	ErrServiceUnavailable = 5003
)

var errorMap = map[int]CustomError{
	ErrInvalidParams:     {Code: ErrInvalidParams, Message: "Invalid request parameters."},
	ErrRateLimitExceeded: {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	ErrSessionKicked: {Code: ErrSessionKicked, Message: "You connected from another tab or device."},

	ErrUnknown:            {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrServiceUnavailable: {Code: ErrServiceUnavailable, Message: "Service is shutting down.", Status: http.StatusServiceUnavailable},
}
