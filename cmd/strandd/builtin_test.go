package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/runtime/agent/toolerrors"
	"github.com/strandlabs/strand/runtime/agent/tools"
)

func TestBuiltinToolsetRegisters(t *testing.T) {
	t.Parallel()

	r := tools.NewRegistry()
	require.NoError(t, r.RegisterToolset(builtinToolset, builtinRegistrations()))

	_, ok := r.ResolveStructured("current_time")
	assert.True(t, ok)
	_, ok = r.ResolveTag("current_time")
	assert.True(t, ok)
	_, ok = r.ResolveStructured("generate_id")
	assert.True(t, ok)
	_, ok = r.ResolveTag("generate_id")
	assert.True(t, ok)
}

func TestCurrentTimeTool(t *testing.T) {
	t.Parallel()

	r := tools.NewRegistry()
	require.NoError(t, r.RegisterToolset(builtinToolset, builtinRegistrations()))

	res := r.Dispatch(context.Background(), tools.Call{
		ID:     "c1",
		Name:   "current_time",
		Schema: tools.SchemaStructured,
	})
	require.True(t, res.Success)
	_, err := time.Parse(time.RFC3339, res.Output)
	assert.NoError(t, err)

	res = r.Dispatch(context.Background(), tools.Call{
		ID:     "c2",
		Name:   "current_time",
		Args:   json.RawMessage(`{"format":"2006-01-02"}`),
		Schema: tools.SchemaStructured,
	})
	require.True(t, res.Success)
	_, err = time.Parse("2006-01-02", res.Output)
	assert.NoError(t, err)

	res = r.Dispatch(context.Background(), tools.Call{
		ID:     "c3",
		Name:   "current_time",
		Args:   json.RawMessage(`{"format":7}`),
		Schema: tools.SchemaStructured,
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, toolerrors.KindMalformed, res.Error.Kind)
}

func TestGenerateIDTool(t *testing.T) {
	t.Parallel()

	r := tools.NewRegistry()
	require.NoError(t, r.RegisterToolset(builtinToolset, builtinRegistrations()))

	res := r.Dispatch(context.Background(), tools.Call{
		ID:     "c1",
		Name:   "generate_id",
		Schema: tools.SchemaTag,
	})
	require.True(t, res.Success)
	_, err := uuid.Parse(res.Output)
	assert.NoError(t, err)
}
