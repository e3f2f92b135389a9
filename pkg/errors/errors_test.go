package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallSafelyPassesErrors(t *testing.T) {
	want := fmt.Errorf("watcher failed")
	err := CallSafely(func() error { return want })
	assert.Equal(t, want, err)

	assert.NoError(t, CallSafely(func() error { return nil }))
}

func TestCallSafelyRecoversPanic(t *testing.T) {
	err := CallSafely(func() error {
		panic("boom")
	})
	require.Error(t, err)
	assert.True(t, Is(err, ErrRuntimeCallback))
	assert.Equal(t, "panic: boom", err.Error())

	var he *HostError
	require.ErrorAs(t, err, &he)
	assert.Contains(t, he.Context["stack"], "errors_test.go")
}

func TestCallSafelyRecoversErrorPanic(t *testing.T) {
	cause := fmt.Errorf("nil map")
	err := CallSafely(func() error { panic(cause) })
	assert.ErrorIs(t, err, cause)
}

func TestCodeThroughWrapping(t *testing.T) {
	base := PinUnknownError("ams_pin", "pin9")
	wrapped := fmt.Errorf("section 'endstop x': %w", base)

	assert.Equal(t, ErrPinUnknown, Code(wrapped))
	assert.True(t, IsConfig(wrapped))
	assert.False(t, IsGCode(wrapped))
	assert.Equal(t, "ams_pin pin9 not configured", base.Error())
	assert.Equal(t, "ams_pin:pin9", base.Pin)
}

func TestDetail(t *testing.T) {
	err := New(ErrConfigOption, "bad value").SetSection("ams_pin pin1").SetOption("initial_value")
	assert.Equal(t, "[CONFIG_OPTION:ams_pin pin1.initial_value] bad value", err.Detail())

	wrapped := Wrap(fmt.Errorf("inner"), ErrRuntime, "outer")
	assert.Equal(t, "[RUNTIME] outer: inner", wrapped.Detail())
}

func TestGCodeErrors(t *testing.T) {
	assert.Equal(t, `Unknown command:"FOO"`, GCodeUnknownCommandError("FOO").Error())
	assert.True(t, IsGCode(GCodeMissingParameterError("SET_AMS_PIN", "PIN")))
	assert.Equal(t, ErrPinType, PinTypeError("ams_pin", "digital_out").Code)
}
