package vterrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapAndKindOf(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(KindTimeout, base)
	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindTimeout))
	assert.False(t, Is(wrapped, KindCancelled))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindTimeout, nil))
}

func TestKindOfUnwrappedErrorIsUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestWrapPreservesUnwrapChain(t *testing.T) {
	base := errors.New("root cause")
	wrapped := Wrap(KindExternalFailure, fmt.Errorf("context: %w", base))
	assert.True(t, errors.Is(wrapped, base))
}
