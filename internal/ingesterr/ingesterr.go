// Package ingesterr defines the shared error taxonomy used across the
// ingestion core: fatal vs. transient classification that the Supervisor
// switches on to decide whether to retry.
package ingesterr

import "fmt"

// FatalConfigError signals a misconfiguration that will not resolve on
// retry: bad credentials, missing token, topic not found, missing schema
// id, identity failure. The Supervisor stops and does not reconnect.
type FatalConfigError struct {
	Msg string
	Err error
}

func (e *FatalConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal config error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("fatal config error: %s", e.Msg)
}

func (e *FatalConfigError) Unwrap() error { return e.Err }

// NewFatal constructs a FatalConfigError.
func NewFatal(msg string, err error) *FatalConfigError {
	return &FatalConfigError{Msg: msg, Err: err}
}

// TransientStreamError wraps gRPC errors not classified fatal, idle-timeout
// watchdog trips, and channel errors. The Supervisor backs off and
// reconnects.
type TransientStreamError struct {
	Msg string
	Err error
}

func (e *TransientStreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient stream error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("transient stream error: %s", e.Msg)
}

func (e *TransientStreamError) Unwrap() error { return e.Err }

// NewTransient constructs a TransientStreamError.
func NewTransient(msg string, err error) *TransientStreamError {
	return &TransientStreamError{Msg: msg, Err: err}
}

// InvalidReplayId is raised when the broker's error text indicates the
// supplied replay id is no longer valid. The Stream Engine clears the
// Offset Store entry and resets to EARLIEST before reconnecting.
type InvalidReplayId struct {
	Err error
}

func (e *InvalidReplayId) Error() string {
	return fmt.Sprintf("invalid replay id: %v", e.Err)
}

func (e *InvalidReplayId) Unwrap() error { return e.Err }

// EventProcessingError wraps a decode/schema-fetch/per-event logic failure.
// It is swallowed at the event boundary: logged, recorded, and the stream
// continues with the next event.
type EventProcessingError struct {
	Msg string
	Err error
}

func (e *EventProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event processing error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("event processing error: %s", e.Msg)
}

func (e *EventProcessingError) Unwrap() error { return e.Err }

// WebhookFailure records a non-2xx (or all-attempts-raised) outcome after
// the Dispatcher's retries are exhausted. It never tears down the stream;
// its only effect is to prevent the replay cursor from advancing for the
// owning event.
type WebhookFailure struct {
	Status int
	Err    error
}

func (e *WebhookFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook failure: status=%d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("webhook failure: status=%d", e.Status)
}

func (e *WebhookFailure) Unwrap() error { return e.Err }
