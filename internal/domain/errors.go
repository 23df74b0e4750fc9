package domain

import "errors"

var (
	// ErrInvalidConfig is returned when a configuration fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidTransaction is returned when a transaction is missing required fields.
	ErrInvalidTransaction = errors.New("invalid transaction")
)
