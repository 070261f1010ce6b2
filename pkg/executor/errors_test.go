package executor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Retryablef("provider hiccup")))
	assert.False(t, IsRetryable(NonRetryablef("missing prompt_id")))

	// Unclassified errors default to retryable.
	assert.True(t, IsRetryable(errors.New("something unexpected")))

	// Classification survives wrapping.
	wrapped := fmt.Errorf("executing item: %w", NonRetryablef("bad config"))
	assert.False(t, IsRetryable(wrapped))
}

func TestClassifyProviderError(t *testing.T) {
	assert.True(t, IsRetryable(ClassifyProviderError(errors.New("network unreachable"))))
	assert.True(t, IsRetryable(ClassifyProviderError(errors.New("request Timeout exceeded"))))
	assert.False(t, IsRetryable(ClassifyProviderError(errors.New("invalid api key"))))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("root cause")
	assert.ErrorIs(t, Retryable(base), base)
	assert.ErrorIs(t, NonRetryable(base), base)
}
