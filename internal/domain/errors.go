package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrNoAccountsAvailable = errors.New("no accounts available")
	ErrUpstreamAuth        = errors.New("upstream provider rejected every credential")
	ErrUpstreamUnavailable = errors.New("upstream provider unavailable")
	ErrUpstreamNotFound    = errors.New("payment not found upstream")
	ErrAlreadyConsumed     = errors.New("match reference already set")
)

// NoAccountsAvailableError is returned when a rotation pool has no active
// account of the rotating wallet kind.
type NoAccountsAvailableError struct {
	PartitionKey string
}

func (e *NoAccountsAvailableError) Error() string {
	return fmt.Sprintf("no active accounts available for partition %q", e.PartitionKey)
}

func (e *NoAccountsAvailableError) Is(target error) bool {
	return target == ErrNoAccountsAvailable
}
