package notifier

import "errors"

// Sentinel errors returned by the alert service and its senders. Callers
// should use errors.Is for comparison.
var (
	// ErrSendFailed is returned when an alert could not be delivered
	// through a channel (email, webhook). Non-fatal: the failure is
	// logged, never propagated to the Supervisor.
	ErrSendFailed = errors.New("notifier: send failed")

	// ErrConfigNotFound is returned when a channel's settings keys are
	// entirely absent — that channel is optional and simply skipped.
	ErrConfigNotFound = errors.New("notifier: configuration not found")

	// ErrInvalidConfig is returned when settings exist but are incomplete
	// or malformed (e.g. smtp host present but port missing).
	ErrInvalidConfig = errors.New("notifier: invalid configuration")
)
