package skerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = errors.New("unreachable")

func TestWrap_PlainError_AddsStack(t *testing.T) {
	err := Wrap(errSentinel)
	wrapper, ok := err.(*ErrorWithContext)
	require.True(t, ok)
	assert.Equal(t, errSentinel, wrapper.Wrapped)
	require.NotEmpty(t, wrapper.CallStack)
	assert.Equal(t, "skerr_test.go", wrapper.CallStack[0].File)
	assert.Contains(t, err.Error(), "unreachable. At skerr_test.go:")
}

func TestWrap_NilError_ReturnsNil(t *testing.T) {
	// Callers wrap the result of a call directly, e.g.
	// return skerr.Wrap(tx.Commit()).
	assert.NoError(t, Wrap(nil))
	assert.NoError(t, Wrapf(nil, "context %d", 1))
}

func TestWrap_AlreadyWrapped_ReturnsSameError(t *testing.T) {
	once := Wrap(errSentinel)
	twice := Wrap(once)
	assert.Same(t, once, twice)
}

func TestWrapf_NestedTwice_MessagesAccumulate(t *testing.T) {
	inner := Wrapf(errSentinel, "fetching instance %q", "example.social")
	outer := Wrapf(inner, "crawl cycle %d", 7)
	assert.Contains(t, outer.Error(), "crawl cycle 7")
	assert.Contains(t, outer.Error(), `fetching instance "example.social"`)
	assert.Contains(t, outer.Error(), "unreachable")
}

func TestUnwrap_DeepChain_ReturnsInnermost(t *testing.T) {
	err := Wrapf(Wrap(errSentinel), "context")
	assert.Equal(t, errSentinel, Unwrap(err))
	assert.Equal(t, errSentinel, Unwrap(errSentinel))
}

func TestFmt_FormatsLikeErrorf(t *testing.T) {
	err := Fmt("expected %d posts, got %d", 5, 3)
	assert.Contains(t, err.Error(), "expected 5 posts, got 3")
}

func TestErrorWithContext_ErrorsIs_SeesSentinel(t *testing.T) {
	err := Wrapf(fmt.Errorf("outer: %w", errSentinel), "hop")
	assert.True(t, errors.Is(err, errSentinel))
}
