// Package errors defines custom error types for lumidev
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// CompileFailed indicates the compiler reported a non-zero completion
	CompileFailed ErrorType = "compile_failed"
	// BundleFailed indicates a full bundle build produced errors
	BundleFailed ErrorType = "bundle_failed"
	// IncrementalRebuildFailed indicates the bundler's incremental stage reported errors
	IncrementalRebuildFailed ErrorType = "incremental_rebuild_failed"
	// FatalConfigChange indicates the orchestrator's own build configuration changed
	FatalConfigChange ErrorType = "fatal_config_change"
	// WatchEstablishmentFailed indicates the watch session could not be started
	WatchEstablishmentFailed ErrorType = "watch_establishment_failed"
	// ConfigError indicates configuration issues
	ConfigError ErrorType = "config"
	// FileSystemError indicates file system related issues
	FileSystemError ErrorType = "filesystem"
	// ValidationError indicates input validation issues
	ValidationError ErrorType = "validation"
	// NetworkError indicates network-related issues
	NetworkError ErrorType = "network"
)

// LumiError is the base error type for all lumidev errors
type LumiError struct {
	Type    ErrorType
	Message string
	Err     error
	Fatal   bool
	Context map[string]interface{}
}

// Error implements the error interface
func (e *LumiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *LumiError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the error must end the process
func (e *LumiError) IsFatal() bool {
	return e.Fatal
}

// WithContext adds context to the error
func (e *LumiError) WithContext(key string, value interface{}) *LumiError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new LumiError
func New(errType ErrorType, message string, err error) *LumiError {
	return &LumiError{
		Type:    errType,
		Message: message,
		Err:     err,
		Fatal:   false,
	}
}

// NewFatal creates a new LumiError that terminates the process
func NewFatal(errType ErrorType, message string, err error) *LumiError {
	return &LumiError{
		Type:    errType,
		Message: message,
		Err:     err,
		Fatal:   true,
	}
}

// TypeOf returns the ErrorType of the first LumiError in err's chain, or "" if there is none
func TypeOf(err error) ErrorType {
	var le *LumiError
	if stderrors.As(err, &le) {
		return le.Type
	}
	return ""
}

// IsFatal checks if any LumiError in the chain is fatal
func IsFatal(err error) bool {
	var le *LumiError
	if stderrors.As(err, &le) {
		return le.Fatal
	}
	return false
}

// IsCompileFailed checks if the error is a compile failure
func IsCompileFailed(err error) bool {
	return TypeOf(err) == CompileFailed
}

// IsBundleFailed checks if the error is a full bundle failure
func IsBundleFailed(err error) bool {
	return TypeOf(err) == BundleFailed
}

// IsIncrementalRebuildFailed checks if the error is an incremental rebuild failure
func IsIncrementalRebuildFailed(err error) bool {
	return TypeOf(err) == IncrementalRebuildFailed
}

// IsFatalConfigChange checks if the error is a fatal configuration change
func IsFatalConfigChange(err error) bool {
	return TypeOf(err) == FatalConfigChange
}

// IsWatchEstablishmentFailed checks if the error is a watch establishment failure
func IsWatchEstablishmentFailed(err error) bool {
	return TypeOf(err) == WatchEstablishmentFailed
}

// IsConfigError checks if the error is a configuration error
func IsConfigError(err error) bool {
	return TypeOf(err) == ConfigError
}

// IsFileSystemError checks if the error is a file system error
func IsFileSystemError(err error) bool {
	return TypeOf(err) == FileSystemError
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return TypeOf(err) == ValidationError
}

// Constructor functions for each error type

// NewCompileFailed creates a new compile failure
func NewCompileFailed(message string, err error) *LumiError {
	return New(CompileFailed, message, err)
}

// NewBundleFailed creates a new full bundle failure
func NewBundleFailed(message string, err error) *LumiError {
	return New(BundleFailed, message, err)
}

// NewIncrementalRebuildFailed creates a new incremental rebuild failure
func NewIncrementalRebuildFailed(message string, err error) *LumiError {
	return New(IncrementalRebuildFailed, message, err)
}

// NewFatalConfigChange creates a new fatal configuration change error
func NewFatalConfigChange(message string, err error) *LumiError {
	return NewFatal(FatalConfigChange, message, err)
}

// NewWatchEstablishmentFailed creates a new watch establishment failure
func NewWatchEstablishmentFailed(message string, err error) *LumiError {
	return NewFatal(WatchEstablishmentFailed, message, err)
}

// NewConfigError creates a new configuration error
func NewConfigError(message string, err error) *LumiError {
	return New(ConfigError, message, err)
}

// NewFileSystemError creates a new file system error
func NewFileSystemError(message string, err error) *LumiError {
	return New(FileSystemError, message, err)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, err error) *LumiError {
	return New(ValidationError, message, err)
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, err error) *LumiError {
	return New(NetworkError, message, err)
}

// NewDatabaseError creates a new database error (using FileSystemError type)
func NewDatabaseError(message string, err error) *LumiError {
	return New(FileSystemError, message, err)
}
