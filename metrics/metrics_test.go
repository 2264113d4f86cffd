// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/fieldtrain/fieldtrain/losses"
	"github.com/fieldtrain/fieldtrain/sig"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

func buildTestBackend() backends.Backend {
	backends.DefaultConfig = "go"
	backendOnce.Do(func() {
		cachedBackend = backends.MustNew()
		fmt.Printf("Backend: %s\n", cachedBackend.Description())
	})
	return cachedBackend
}

func runMetricGraph(t *testing.T, m Metric, preds, labels map[string]any) float64 {
	backend := buildTestBackend()
	exec := NewExec(backend, func(g *Graph) *Node {
		predNodes := make(fields.NodeMap, len(preds))
		for name, value := range preds {
			predNodes[name] = Const(g, value)
		}
		labelNodes := make(fields.NodeMap, len(labels))
		for name, value := range labels {
			labelNodes[name] = Const(g, value)
		}
		return ConvertDType(m.BuildGraph(nil, predNodes, labelNodes), dtypes.Float64)
	})
	var results []*tensors.Tensor
	require.NotPanics(t, func() { results = exec.Call() })
	return tensors.ToScalar[float64](results[0])
}

func TestBinaryAccuracy(t *testing.T) {
	m := NewMeanBinaryAccuracy("accuracy", "acc")
	got := runMetricGraph(t, m,
		map[string]any{"pred": []float32{0.9, 0.2, 0.7, 0.1}},
		map[string]any{"target": []float32{1, 0, 0, 1}})
	assert.InDelta(t, 0.5, got, 1e-6)
	assert.Equal(t, "75.00%", m.PrettyPrint(0.75))
}

func TestBinaryLogitsAccuracy(t *testing.T) {
	m := NewMeanBinaryLogitsAccuracy("accuracy", "acc")
	got := runMetricGraph(t, m,
		map[string]any{"pred": []float32{2.0, -1.0, 0.5, -0.1}},
		map[string]any{"target": []float32{1, 0, 0, 0}})
	assert.InDelta(t, 0.75, got, 1e-6)
}

func TestSparseCategoricalAccuracy(t *testing.T) {
	m := NewSparseCategoricalAccuracy("accuracy", "acc")
	got := runMetricGraph(t, m,
		map[string]any{"pred": [][]float32{
			{0.1, 0.8, 0.1},
			{0.7, 0.2, 0.1},
			{0.2, 0.3, 0.5},
			{0.4, 0.4, 0.2}, // Tie, counts as a miss.
		}},
		map[string]any{"target": [][]int32{{1}, {0}, {1}, {0}}})
	assert.InDelta(t, 0.5, got, 1e-6)
}

func TestMetricRenameAndFields(t *testing.T) {
	m := NewMeanBinaryAccuracy("accuracy", "acc").
		Rename(sig.Rename{"prob": "pred", "label": "target"})
	got := runMetricGraph(t, m,
		map[string]any{"prob": []float32{0.9, 0.2}},
		map[string]any{"label": []float32{1, 0}})
	assert.InDelta(t, 1.0, got, 1e-6)

	require.NoError(t, m.Check([]string{"prob"}, []string{"label"}))
	err := m.Check([]string{"prob"}, []string{"gold"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")
}

func TestMeanAccumulator(t *testing.T) {
	acc := &meanAccumulator{}
	acc.Update(1.0, 10)
	acc.Update(0.0, 30)
	assert.InDelta(t, 0.25, acc.Value(), 1e-9)
	acc.Reset()
	assert.Equal(t, 0.0, acc.Value())
}

func TestEMAAccumulator(t *testing.T) {
	acc := &emaAccumulator{newBatchWeight: 0.1}
	// First batches behave as a plain mean during warmup.
	acc.Update(1.0, 1)
	acc.Update(3.0, 1)
	assert.InDelta(t, 2.0, acc.Value(), 1e-9)
	// After warmup new batches only move it by newBatchWeight.
	for range 100 {
		acc.Update(2.0, 1)
	}
	before := acc.Value()
	acc.Update(12.0, 1)
	assert.InDelta(t, before+0.1*(12.0-before), acc.Value(), 1e-9)
}

func TestMedianAccumulator(t *testing.T) {
	// Sample from an asymmetric distribution with known median: r is uniform
	// in (0.01, 1.0), and we feed 1/r, whose median is ~1/0.505.
	acc := &medianAccumulator{}
	const numExamples = 100_001
	values := make([]float64, 0, numExamples)
	rng := rand.New(rand.NewPCG(42, 42))
	for range numExamples {
		r := rng.Float64()*0.99 + 0.01
		r = 1 / r
		values = append(values, r)
		acc.Update(r, 1)
	}
	slices.Sort(values)
	want := values[numExamples/2]
	fmt.Printf("\tgot median=%.5g, wanted median=%.5g\n", acc.Value(), want)
	require.InDelta(t, want, acc.Value(), 0.01)
}

func TestMetricScalarEnforced(t *testing.T) {
	m := NewMeanMetric("identity", "id", "test",
		func(_ *context.Context, labels, preds []*Node) *Node { return preds[0] }, nil)
	backend := buildTestBackend()
	exec := NewExec(backend, func(g *Graph) *Node {
		return m.BuildGraph(nil,
			fields.NodeMap{"pred": Const(g, []float32{1, 2})},
			fields.NodeMap{"target": Const(g, []float32{1, 2})})
	})
	require.Panics(t, func() { exec.Call() })
}

func TestLossMetric(t *testing.T) {
	m := NewLossMetric("mse", losses.MeanSquaredError())
	assert.Equal(t, "mse", m.Name())
	assert.Equal(t, LossMetricType, m.MetricType())
	got := runMetricGraph(t, m,
		map[string]any{"pred": []float32{1, 3}},
		map[string]any{"target": []float32{0, 1}})
	assert.InDelta(t, 2.5, got, 1e-4)

	checker, ok := m.(interface {
		Check(predFields, labelFields []string) error
	})
	require.True(t, ok)
	require.NoError(t, checker.Check([]string{"pred"}, []string{"target"}))
	require.Error(t, checker.Check([]string{"pred"}, []string{"gold"}))
}
