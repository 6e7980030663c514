package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
	}{
		{"sink unavailable is transient", ErrSinkUnavailable, ErrorTransient},
		{"deadline exceeded is transient", context.DeadlineExceeded, ErrorTransient},
		{"type mismatch is invalid", ErrTypeMismatch, ErrorInvalid},
		{"arity mismatch is invalid", ErrArityMismatch, ErrorInvalid},
		{"malformed is invalid", ErrMalformed, ErrorInvalid},
		{"duplicate tag is fatal", ErrDuplicateTag, ErrorFatal},
		{"unresolved ref is fatal", ErrUnresolvedRef, ErrorFatal},
		{"cycle is fatal", ErrTopologyCycle, ErrorFatal},
		{"invalid config is fatal", ErrInvalidConfig, ErrorFatal},
		{"unknown defaults to transient", stderrors.New("something odd"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, Classify(tt.err))
		})
	}
}

func TestTransientPatternMatching(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("connection refused")))
	assert.True(t, IsTransient(stderrors.New("i/o timeout")))
	assert.False(t, IsTransient(nil))
}

func TestWrapPreservesSentinel(t *testing.T) {
	err := WrapInvalid(ErrTypeMismatch, "delimited", "Decode", "parse field value")
	require.Error(t, err)

	assert.True(t, stderrors.Is(err, ErrTypeMismatch))
	assert.True(t, IsInvalid(err))
	assert.Contains(t, err.Error(), "delimited.Decode")
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
}

func TestClassifiedOverridesSentinel(t *testing.T) {
	// An explicit classification wins over the wrapped sentinel's default class.
	err := WrapTransient(fmt.Errorf("push: %w", ErrMalformed), "remotewrite", "push", "deliver batch")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.True(t, IsTransient(err))
}
