package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProfile is returned when a request names a profile the catalog does not know
	ErrUnknownProfile = errors.New("unknown transcode profile")

	// ErrInvalidRequest is returned when a job request is missing required fields
	ErrInvalidRequest = errors.New("invalid job request")

	// ErrSourceNotFound is returned when the source object does not exist at the expected fingerprint
	ErrSourceNotFound = errors.New("source object not found")

	// ErrSourceCorrupt is returned when the source media cannot be decoded
	ErrSourceCorrupt = errors.New("source media is corrupt or undecodable")

	// ErrRecordNotFound is returned when the per-video metadata record does not exist
	ErrRecordNotFound = errors.New("metadata record not found")

	// ErrEncoderUnavailable is returned when the hardware encoder cannot be initialized
	ErrEncoderUnavailable = errors.New("encoder unavailable")

	// ErrEncodeFailed is returned when encoding fails because of the source data
	ErrEncodeFailed = errors.New("encode failed")

	// ErrResourceExhausted is returned when a device, session or disk limit is reached
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrStageTimeout is returned when a stage exceeds its wall-clock budget
	ErrStageTimeout = errors.New("stage timeout exceeded")

	// ErrMaxRetriesExceeded is returned when a job has exhausted its retry budget
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Kind classifies a failure for retry and dead-letter routing
type Kind string

const (
	KindTransientInfra     Kind = "transient_infra"
	KindSourceDataInvalid  Kind = "source_data_invalid"
	KindResourceExhausted  Kind = "resource_exhausted"
	KindConfigurationFatal Kind = "configuration_fatal"
	KindInternal           Kind = "internal"
)

// Retryable reports whether queue redelivery may fix a failure of this kind
func (k Kind) Retryable() bool {
	return k == KindTransientInfra || k == KindResourceExhausted
}

// StageError is a failure classified at the stage where it happened
type StageError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure should be retried through the queue
func (e *StageError) Retryable() bool {
	return e.Kind.Retryable()
}

// NewStageError creates a classified stage error
func NewStageError(stage Stage, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// ConfigError marks a configuration problem that is fatal to the process
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "configuration fatal: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new process-fatal configuration error
func NewConfigError(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// IsConfigurationFatal reports whether err must stop the process
func IsConfigurationFatal(err error) bool {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return true
	}
	var stageErr *StageError
	return errors.As(err, &stageErr) && stageErr.Kind == KindConfigurationFatal
}
