package util

import "errors"

// Sentinel errors for common failure modes
var (
	// ErrNoLineups indicates the guide API returned no lineups for a market
	ErrNoLineups = errors.New("no lineups found")

	// ErrInvalidInput indicates a malformed market list file
	ErrInvalidInput = errors.New("invalid market list")

	// ErrInterrupted indicates the run was cancelled before completion
	ErrInterrupted = errors.New("interrupted")

	// ErrTransient marks failures worth retrying, such as 5xx responses
	ErrTransient = errors.New("transient error")
)
