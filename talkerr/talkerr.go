// Package talkerr defines the error taxonomy shared by capture, turn handling and
// speech output. Errors carry a Code so callers can branch with errors.Is
// regardless of how many times the error was wrapped.
package talkerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodePermissionDenied   Code = "permission_denied"
	CodeAudioConfiguration Code = "audio_configuration"
	CodeGatewayUnavailable Code = "gateway_unavailable"
	CodeRunAborted         Code = "run_aborted"
	CodeRunError           Code = "run_error"
	CodeRunTimeout         Code = "run_timeout"
	CodeNoReplyTimeout     Code = "no_reply_timeout"
	CodeSynthesisFailure   Code = "synthesis_failure"
	CodeUnknownVoiceAlias  Code = "unknown_voice_alias"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrPermissionDenied   = New(CodePermissionDenied, "microphone or speech permission denied")
	ErrAudioConfiguration = New(CodeAudioConfiguration, "audio configuration failed")
	ErrGatewayUnavailable = New(CodeGatewayUnavailable, "gateway not connected")
	ErrRunAborted         = New(CodeRunAborted, "run aborted")
	ErrRunError           = New(CodeRunError, "run failed")
	ErrRunTimeout         = New(CodeRunTimeout, "run timed out")
	ErrNoReplyTimeout     = New(CodeNoReplyTimeout, "no assistant reply")
	ErrSynthesisFailure   = New(CodeSynthesisFailure, "speech synthesis failed")
	ErrUnknownVoiceAlias  = New(CodeUnknownVoiceAlias, "unknown voice alias")
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Cause: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Recoverable reports whether err is handled by a fallback rather than
// ending the operation.
func Recoverable(err error) bool {
	switch CodeOf(err) {
	case CodeSynthesisFailure, CodeUnknownVoiceAlias:
		return true
	}
	return false
}

// Status maps err to the single status line shown to the user.
func Status(err error) string {
	switch CodeOf(err) {
	case CodePermissionDenied:
		return "Microphone permission denied"
	case CodeAudioConfiguration:
		return "Audio configuration error"
	case CodeGatewayUnavailable:
		return "Offline"
	case CodeRunAborted:
		return "Aborted"
	case CodeRunError:
		return "Chat error"
	case CodeRunTimeout:
		return "Timed out"
	case CodeNoReplyTimeout:
		return "No reply"
	case CodeSynthesisFailure:
		return "Speech failed"
	case CodeUnknownVoiceAlias:
		return "Unknown voice"
	}
	if err == nil {
		return ""
	}
	return "Error: " + err.Error()
}
