// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"sync"
	"testing"

	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/fieldtrain/fieldtrain/sig"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testBackendOnce sync.Once
	testBackend     backends.Backend
)

func buildTestBackend() backends.Backend {
	testBackendOnce.Do(func() {
		backends.DefaultConfig = "go"
		testBackend = backends.MustNew()
	})
	return testBackend
}

// evalLoss builds the loss graph on constant fields and returns its mean as
// a float64.
func evalLoss(t *testing.T, loss Loss, preds, labels map[string]any) float64 {
	backend := buildTestBackend()
	exec := graph.NewExec(backend, func(g *graph.Graph) *graph.Node {
		predNodes := make(fields.NodeMap, len(preds))
		for name, value := range preds {
			predNodes[name] = graph.Const(g, value)
		}
		labelNodes := make(fields.NodeMap, len(labels))
		for name, value := range labels {
			labelNodes[name] = graph.Const(g, value)
		}
		lossNode := loss.BuildGraph(predNodes, labelNodes)
		if !lossNode.Shape().IsScalar() {
			lossNode = graph.ReduceAllMean(lossNode)
		}
		return graph.ConvertDType(lossNode, dtypes.Float64)
	})
	results := exec.Call()
	defer func() {
		for _, r := range results {
			r.FinalizeAll()
		}
	}()
	value, ok := results[0].Value().(float64)
	require.True(t, ok, "loss value should be a float64 scalar")
	return value
}

func TestMeanSquaredError(t *testing.T) {
	loss := MeanSquaredError()
	assert.Equal(t, "mse", loss.Name())
	got := evalLoss(t, loss,
		map[string]any{"pred": []float32{1, 3}},
		map[string]any{"target": []float32{0, 1}})
	// ((1-0)^2 + (3-1)^2) / 2
	assert.InDelta(t, 2.5, got, 1e-4)
}

func TestMeanAbsoluteError(t *testing.T) {
	got := evalLoss(t, MeanAbsoluteError(),
		map[string]any{"pred": []float32{1, 3}},
		map[string]any{"target": []float32{0, 1}})
	assert.InDelta(t, 1.5, got, 1e-4)
}

func TestOptionalWeightForwarded(t *testing.T) {
	// Uniform weights must not change the value, so their forwarding is
	// only visible when they differ per example.
	uniform := evalLoss(t, MeanSquaredError(),
		map[string]any{"pred": []float32{1, 3}},
		map[string]any{"target": []float32{0, 1}, "weight": []float32{1, 1}})
	assert.InDelta(t, 2.5, uniform, 1e-4)

	skewed := evalLoss(t, MeanSquaredError(),
		map[string]any{"pred": []float32{1, 3}},
		map[string]any{"target": []float32{0, 1}, "weight": []float32{1, 0}})
	assert.Less(t, skewed, uniform, "down-weighting the worst example should lower the loss")
}

func TestRenameFixesLabelField(t *testing.T) {
	loss := MeanSquaredError().Rename(sig.Rename{"gold": "target"})
	got := evalLoss(t, loss,
		map[string]any{"pred": []float32{1, 3}},
		map[string]any{"gold": []float32{0, 1}})
	assert.InDelta(t, 2.5, got, 1e-4)
}

func TestWithPredsAndLabels(t *testing.T) {
	loss := MeanAbsoluteError().WithPreds("output").WithLabels("y")
	assert.Equal(t, sig.New("output"), loss.PredSignature())
	assert.Equal(t, []string{"y"}, loss.LabelSignature().Required)
	assert.Contains(t, loss.LabelSignature().Optional, WeightField)

	got := evalLoss(t, loss,
		map[string]any{"output": []float32{2}},
		map[string]any{"y": []float32{0}})
	assert.InDelta(t, 2.0, got, 1e-4)
}

func TestCheckDiagnostics(t *testing.T) {
	loss := MeanSquaredError()
	require.NoError(t, loss.Check([]string{"pred"}, []string{"target", "weight"}))

	err := loss.Check([]string{"pred"}, []string{"gold"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")
	assert.Contains(t, err.Error(), "gold")
	assert.Contains(t, err.Error(), "sig.Rename")

	err = MeanSquaredError().Rename(sig.Rename{"gold": "target"}).Check([]string{"pred"}, []string{"gold"})
	require.NoError(t, err)
}

func TestBuildGraphPanicsOnMissingField(t *testing.T) {
	backend := buildTestBackend()
	exec := graph.NewExec(backend, func(g *graph.Graph) *graph.Node {
		preds := fields.NodeMap{"pred": graph.Const(g, []float32{1})}
		labels := fields.NodeMap{"gold": graph.Const(g, []float32{0})}
		return MeanSquaredError().BuildGraph(preds, labels)
	})
	require.Panics(t, func() { _ = exec.Call() })
}

func TestFuncLoss(t *testing.T) {
	loss := Func("sum_abs", []string{"pred"}, []string{"target"},
		func(preds, labels fields.NodeMap) *graph.Node {
			return graph.ReduceAllSum(graph.Abs(graph.Sub(preds["pred"], labels["target"])))
		})
	assert.Equal(t, "sum_abs", loss.Name())
	got := evalLoss(t, loss,
		map[string]any{"pred": []float32{1, 3}, "extra": []float32{9, 9}},
		map[string]any{"target": []float32{0, 1}})
	assert.InDelta(t, 3.0, got, 1e-4)
}
