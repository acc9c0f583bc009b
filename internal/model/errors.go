package model

import "errors"

// Error kinds from the core's error taxonomy. Callers should use
// errors.Is against these sentinels rather than string-matching.
var (
	// ErrValidation is returned when a registry mutation violates an
	// invariant. No state change is made.
	ErrValidation = errors.New("wakezilla: validation error")

	// ErrListenerBindFailed is returned when the supervisor cannot bind a
	// new listener port (typically: already in use).
	ErrListenerBindFailed = errors.New("wakezilla: listener bind failed")

	// ErrWolSendFailed marks a failed WOL emission. Non-fatal: the wake
	// coordinator logs it and proceeds to probe anyway.
	ErrWolSendFailed = errors.New("wakezilla: wol send failed")

	// ErrWakeTimeout is returned when a wake sequence exhausts its
	// budget without the target becoming reachable.
	ErrWakeTimeout = errors.New("wakezilla: wake timeout")

	// ErrMachineUnknown is returned by the wake coordinator when asked
	// to wake a machine id it has no record of.
	ErrMachineUnknown = errors.New("wakezilla: unknown machine")

	// ErrDialFailed marks a failed dial to the target after a
	// successful wake.
	ErrDialFailed = errors.New("wakezilla: dial failed")

	// ErrNotFound is returned by registry lookups for unknown ids.
	ErrNotFound = errors.New("wakezilla: not found")
)
