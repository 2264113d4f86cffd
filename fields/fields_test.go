// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package fields

import (
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapNamesSorted(t *testing.T) {
	m := Map{
		"y": tensors.FromValue([]float32{1, 2}),
		"x": tensors.FromValue([]float32{3, 4}),
		"a": tensors.FromValue([]float32{5, 6}),
	}
	assert.Equal(t, []string{"a", "x", "y"}, m.Names())
}

func TestMapInOrder(t *testing.T) {
	x := tensors.FromValue([]float32{1})
	y := tensors.FromValue([]float32{2})
	m := Map{"x": x, "y": y}

	list, err := m.InOrder([]string{"y", "x"})
	require.NoError(t, err)
	assert.Equal(t, []*tensors.Tensor{y, x}, list)

	_, err = m.InOrder([]string{"x", "z"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"z"`)
	assert.Contains(t, err.Error(), "[x y]")
}

func TestMapBatchSize(t *testing.T) {
	m := Map{
		"x": tensors.FromValue([][]float32{{1}, {2}, {3}}),
		"y": tensors.FromValue([]float32{1, 2, 3}),
	}
	batchSize, err := m.BatchSize()
	require.NoError(t, err)
	assert.Equal(t, 3, batchSize)
}

func TestMapBatchSizeMismatch(t *testing.T) {
	m := Map{
		"x": tensors.FromValue([]float32{1, 2, 3}),
		"y": tensors.FromValue([]float32{1, 2}),
	}
	_, err := m.BatchSize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leading dimension")
}

func TestMapBatchSizeRejectsScalar(t *testing.T) {
	m := Map{"x": tensors.FromValue(float32(1))}
	_, err := m.BatchSize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scalar")

	_, err = Map{}.BatchSize()
	require.Error(t, err)
}

func TestNodeMapInOrderPanicsOnMissing(t *testing.T) {
	m := NodeMap{"x": nil}
	assert.Panics(t, func() { m.InOrder([]string{"y"}) })
}

func TestNodesFromList(t *testing.T) {
	nodes := []*graph.Node{nil, nil}
	m := NodesFromList([]string{"x", "y"}, nodes)
	assert.Equal(t, []string{"x", "y"}, m.Names())
	assert.Empty(t, NodesFromList(nil, nil))
}
