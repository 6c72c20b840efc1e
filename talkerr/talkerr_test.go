package talkerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("turn: %w", Wrap(io.EOF, CodeRunAborted, "chat aborted"))

	assert.True(t, errors.Is(err, ErrRunAborted))
	assert.False(t, errors.Is(err, ErrRunError))
	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, CodeRunAborted, CodeOf(err))
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(ErrSynthesisFailure))
	assert.True(t, Recoverable(fmt.Errorf("x: %w", ErrUnknownVoiceAlias)))
	assert.False(t, Recoverable(ErrGatewayUnavailable))
	assert.False(t, Recoverable(io.EOF))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "Offline", Status(ErrGatewayUnavailable))
	assert.Equal(t, "Microphone permission denied", Status(ErrPermissionDenied))
	assert.Equal(t, "", Status(nil))
	assert.Equal(t, "Error: EOF", Status(io.EOF))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(io.ErrUnexpectedEOF, CodeRunError, "chat.send")
	assert.Equal(t, "chat.send: unexpected EOF", err.Error())
	assert.Equal(t, "run timed out", ErrRunTimeout.Error())
}
