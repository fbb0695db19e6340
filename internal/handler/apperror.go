package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}
	ErrInvalidSignature = &AppError{http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature is invalid"}

	ErrInvalidAmount       = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrNoAccountsAvailable = &AppError{http.StatusUnprocessableEntity, "NO_ACCOUNTS_AVAILABLE", "No active receiving account is available"}
	ErrUpstreamUnavailable = &AppError{http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Payment provider is unavailable, retry later"}
	ErrUpstreamAuth        = &AppError{http.StatusBadGateway, "UPSTREAM_AUTH_FAILED", "Payment provider rejected every credential"}
)
