// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParam("learning_rate", 0.01)
	ctx.SetParam("num_steps", 1000)
	ctx.SetParam("normalize", false)
	ctx.SetParam("activation", "tanh")
	return ctx
}

func getParam[T any](t *testing.T, ctx *context.Context, key string) T {
	value, found := ctx.GetParam(key)
	require.True(t, found, "param %q should be set", key)
	typed, ok := value.(T)
	require.True(t, ok, "param %q should have type %T, got %T", key, typed, value)
	return typed
}

func TestParseContextSettings(t *testing.T) {
	ctx := newTestContext()
	err := ParseContextSettings(ctx, "learning_rate=0.1;num_steps=1_000_000;normalize=true;activation=relu")
	require.NoError(t, err)
	assert.Equal(t, 0.1, getParam[float64](t, ctx, "learning_rate"))
	assert.Equal(t, 1000000, getParam[int](t, ctx, "num_steps"))
	assert.Equal(t, true, getParam[bool](t, ctx, "normalize"))
	assert.Equal(t, "relu", getParam[string](t, ctx, "activation"))
}

func TestParseContextSettingsScoped(t *testing.T) {
	ctx := newTestContext()
	require.NoError(t, ParseContextSettings(ctx, "hidden/learning_rate=0.5"))

	value, found := ctx.In("hidden").GetParam("learning_rate")
	require.True(t, found)
	assert.Equal(t, 0.5, value)
	// The root default is untouched.
	assert.Equal(t, 0.01, getParam[float64](t, ctx, "learning_rate"))
}

func TestParseContextSettingsErrors(t *testing.T) {
	ctx := newTestContext()

	err := ParseContextSettings(ctx, "learning_rate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<param>=<value>")

	err = ParseContextSettings(ctx, "no_such_param=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_param")

	err = ParseContextSettings(ctx, "learning_rate=fast")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "learning_rate")

	// Empty settings are a no-op.
	require.NoError(t, ParseContextSettings(ctx, ""))
}

func TestSprintContextSettings(t *testing.T) {
	report := SprintContextSettings(newTestContext())
	assert.Contains(t, report, "learning_rate")
	assert.Contains(t, report, "0.01")
}
