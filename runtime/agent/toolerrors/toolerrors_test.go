package toolerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	e := New("", "")
	assert.Equal(t, KindExecution, e.Kind)
	assert.Equal(t, "tool error", e.Message)

	e = New(KindNotFound, "no such tool")
	assert.Equal(t, KindNotFound, e.Kind)
	assert.Equal(t, "no such tool", e.Error())
}

func TestNewWithCausePreservesChain(t *testing.T) {
	t.Parallel()

	base := errors.New("connection refused")
	wrapped := fmt.Errorf("call backend: %w", base)
	e := NewWithCause(KindExecution, "search failed", wrapped)

	assert.Equal(t, "search failed", e.Error())
	require.NotNil(t, e.Cause)
	assert.Equal(t, "call backend: connection refused", e.Cause.Message)
	require.NotNil(t, e.Cause.Cause)
	assert.Equal(t, "connection refused", e.Cause.Cause.Message)
}

func TestFromErrorIdentity(t *testing.T) {
	t.Parallel()

	orig := New(KindMalformed, "bad args")
	wrapped := fmt.Errorf("dispatch: %w", orig)
	assert.Same(t, orig, FromError(wrapped))
	assert.Nil(t, FromError(nil))
}

func TestErrorsAs(t *testing.T) {
	t.Parallel()

	e := NewWithCause(KindExecution, "outer", New(KindNotFound, "inner"))
	var te *ToolError
	require.True(t, errors.As(e, &te))
	assert.Equal(t, KindExecution, te.Kind)
}

func TestJSONRoundtrip(t *testing.T) {
	t.Parallel()

	e := NewWithCause(KindExecution, "handler crashed", New(KindMalformed, "bad payload"))
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded ToolError
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, KindExecution, decoded.Kind)
	assert.Equal(t, "handler crashed", decoded.Message)
	require.NotNil(t, decoded.Cause)
	assert.Equal(t, KindMalformed, decoded.Cause.Kind)
}
