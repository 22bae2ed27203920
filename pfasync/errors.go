package pfasync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Stable codes carried by skips, dead letters and API errors.
const (
	ErrorCodeOrganizationSuspended = "organization_suspended"
	ErrorCodeOrganizationArchived  = "organization_archived"
	ErrorCodeSyncDisabled          = "sync_disabled"
	ErrorCodeNoCredentials         = "no_credentials"
	ErrorCodeNoGridIdentifier      = "no_grid_identifier"
	ErrorCodeNoWriteEndpoint       = "no_write_endpoint"
	ErrorCodeNoEndpoints           = "no_endpoints"
	ErrorCodeSyncInProgress        = "sync_in_progress"
	ErrorCodeConflict              = "conflict"
	ErrorCodeVersionConflict       = "version_conflict"
	ErrorCodeValidationFailed      = "validation_failed"
	ErrorCodeRemoteError           = "remote_error"
	ErrorCodeRetriesExhausted      = "retries_exhausted"
	ErrorCodeNormalizationFailed   = "normalization_failed"
	ErrorCodeUpsertFailed          = "upsert_failed"
	ErrorCodeModificationMissing   = "modification_missing"
	ErrorCodeMirrorMissing         = "mirror_missing"
	ErrorCodeAlreadySynced         = "already_synced"
	ErrorCodeUnknownField          = "unknown_field"
	ErrorCodeInvalidValue          = "invalid_value"
	ErrorCodeImmutableField        = "immutable_field"
	ErrorCodeRequiredForSource     = "required_for_source"
	ErrorCodeDateOrder             = "date_order"
	ErrorCodeInvalidEnum           = "invalid_enum"
	ErrorCodeRateLimited           = "rate_limited"
)

var (
	ErrSyncInProgress             = errors.New("sync already in progress for this endpoint")
	ErrConflictAlreadyResolved    = errors.New("conflict already resolved")
	ErrMergeDataRequired          = errors.New("merge resolution requires merged data")
	ErrInvalidResolution          = errors.New("invalid resolution strategy")
	ErrModificationNotEditable    = errors.New("modification cannot be edited in its current state")
	ErrModificationNotSubmittable = errors.New("modification cannot be submitted in its current state")
	ErrEmptyDelta                 = errors.New("modification delta is empty")
	ErrOrganizationMismatch       = errors.New("record belongs to another organization")
)

// ErrorClass is the closed set the worker consumes when deciding what to do with a failure.
type ErrorClass string

const (
	ErrorClassRetryable     ErrorClass = "retryable"
	ErrorClassFatal         ErrorClass = "fatal"
	ErrorClassConfiguration ErrorClass = "configuration"
)

// RemoteError is a non-2xx answer from the remote system.
type RemoteError struct {
	StatusCode     int
	Code           string
	Message        string
	CurrentVersion int64
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.StatusCode, e.Message)
}

// ConfigError is a setup gap (credentials, routing, endpoints). It is never retried.
type ConfigError struct {
	Code    string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Code + ": " + e.Message
}

func newConfigError(code string, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ClassifyError is the only place that decides retry policy.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return ErrorClassConfiguration
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		switch {
		case IsVersionConflict(err):
			return ErrorClassFatal
		case remoteErr.StatusCode == http.StatusTooManyRequests,
			strings.EqualFold(remoteErr.Code, ErrorCodeRateLimited):
			return ErrorClassRetryable
		case remoteErr.StatusCode >= 500:
			return ErrorClassRetryable
		default:
			return ErrorClassFatal
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassRetryable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrorClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassRetryable
	}
	return ErrorClassFatal
}

// IsVersionConflict reports the remote's stale-version signal.
func IsVersionConflict(err error) bool {
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		return false
	}
	return remoteErr.StatusCode == http.StatusConflict || strings.EqualFold(remoteErr.Code, ErrorCodeVersionConflict)
}

// ErrorCodeOf returns the stable code carried by err, or fallback.
func ErrorCodeOf(err error, fallback string) string {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		if IsVersionConflict(err) {
			return ErrorCodeVersionConflict
		}
		if remoteErr.Code != "" {
			return remoteErr.Code
		}
		return ErrorCodeRemoteError
	}
	var vErrs ValidationErrors
	if errors.As(err, &vErrs) {
		return ErrorCodeValidationFailed
	}
	return fallback
}
