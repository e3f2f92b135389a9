// Unified error handling for the virtual pin host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime/debug"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Pin errors, raised while configuring pins
	ErrPinUnknown   ErrorCode = "PIN_UNKNOWN"
	ErrPinType      ErrorCode = "PIN_TYPE"
	ErrPinDuplicate ErrorCode = "PIN_DUPLICATE"
	ErrPinChip      ErrorCode = "PIN_CHIP"

	// G-code errors
	ErrGCodeParse        ErrorCode = "GCODE_PARSE"
	ErrGCodeUnknownCmd   ErrorCode = "GCODE_UNKNOWN_CMD"
	ErrGCodeMissingParam ErrorCode = "GCODE_MISSING_PARAM"
	ErrGCodeInvalidParam ErrorCode = "GCODE_INVALID_PARAM"

	// Runtime errors
	ErrRuntime         ErrorCode = "RUNTIME"
	ErrRuntimeCallback ErrorCode = "RUNTIME_CALLBACK"
	ErrRuntimeShutdown ErrorCode = "RUNTIME_SHUTDOWN"
)

// HostError is the unified error type for the host system
type HostError struct {
	Code    ErrorCode
	Message string

	// Section is the config section or command the error belongs to
	Section string
	// Option is the config option or command parameter (if applicable)
	Option string
	// Pin is the pin description involved (if applicable)
	Pin string

	Err     error
	Context map[string]interface{}
}

// Error returns the message only; G-code responses and config errors are
// shown to the operator verbatim.
func (e *HostError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

// Detail renders the error with its code and location for logs.
func (e *HostError) Detail() string {
	loc := e.Section
	if e.Option != "" {
		loc += "." + e.Option
	}
	s := fmt.Sprintf("[%s", e.Code)
	if loc != "" {
		s += ":" + loc
	}
	s += "] " + e.Error()
	if e.Err != nil && e.Message != "" {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetPin sets the pin description
func (e *HostError) SetPin(pin string) *HostError {
	e.Pin = pin
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message, Err: err}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message}
}

// Newf creates a new HostError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *HostError {
	return New(code, fmt.Sprintf(format, args...))
}

// Pin errors

// PinUnknownError reports a pin name the chip does not provide.
func PinUnknownError(chip, pin string) *HostError {
	return Newf(ErrPinUnknown, "%s %s not configured", chip, pin).SetPin(chip + ":" + pin)
}

// PinTypeError reports a pin type the chip cannot set up.
func PinTypeError(chip, pinType string) *HostError {
	return Newf(ErrPinType, "%s pins only support endstop type", chip).
		SetContext("pin_type", pinType)
}

// G-code errors

// GCodeUnknownCommandError creates an error for unknown G-code command
func GCodeUnknownCommandError(command string) *HostError {
	return Newf(ErrGCodeUnknownCmd, "Unknown command:\"%s\"", command).SetSection(command)
}

// GCodeMissingParameterError creates an error for missing G-code parameter
func GCodeMissingParameterError(command, param string) *HostError {
	return Newf(ErrGCodeMissingParam, "Error on '%s': missing %s", command, param).
		SetSection(command).SetOption(param)
}

// GCodeInvalidParameterError creates an error for invalid G-code parameter
func GCodeInvalidParameterError(command, param, value, reason string) *HostError {
	return Newf(ErrGCodeInvalidParam, "Error on '%s': unable to parse %s=%s (%s)", command, param, value, reason).
		SetSection(command).SetOption(param)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// FromPanic converts a recovered panic value into a callback error.
func FromPanic(r interface{}) *HostError {
	var e *HostError
	switch x := r.(type) {
	case error:
		e = Wrap(x, ErrRuntimeCallback, "panic: "+x.Error())
	default:
		e = Newf(ErrRuntimeCallback, "panic: %v", x)
	}
	return e.SetContext("stack", string(debug.Stack()))
}

// CallSafely runs fn, converting a panic into an ErrRuntimeCallback error.
// Errors returned by fn are passed through unchanged.
func CallSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = FromPanic(r)
		}
	}()
	return fn()
}

// Code returns the code of the first HostError in err's chain, or "".
func Code(err error) ErrorCode {
	var he *HostError
	if stderrors.As(err, &he) {
		return he.Code
	}
	return ""
}

// Is checks if err's chain holds a HostError with the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && Code(err) == code
}

// configError is implemented by error types of the config package.
type configError interface {
	IsConfigError() bool
}

// IsConfig checks if error is a configuration or pin setup error
func IsConfig(err error) bool {
	var ce configError
	if stderrors.As(err, &ce) && ce.IsConfigError() {
		return true
	}
	switch Code(err) {
	case ErrConfigSection, ErrConfigOption, ErrConfigValidation,
		ErrPinUnknown, ErrPinType, ErrPinDuplicate, ErrPinChip:
		return true
	}
	return false
}

// IsGCode checks if error is a G-code error
func IsGCode(err error) bool {
	switch Code(err) {
	case ErrGCodeParse, ErrGCodeUnknownCmd, ErrGCodeMissingParam, ErrGCodeInvalidParam:
		return true
	}
	return false
}
