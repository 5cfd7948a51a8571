package models

// Wire error codes returned in response.error frames.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInvalidArgument = "invalid_argument"
	CodeQuotaExceeded   = "quota_exceeded"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)
