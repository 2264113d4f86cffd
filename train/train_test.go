// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/fieldtrain/fieldtrain/dataset"
	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/fieldtrain/fieldtrain/losses"
	"github.com/fieldtrain/fieldtrain/metrics"
	"github.com/fieldtrain/fieldtrain/sig"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
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

// linearModel is a single dense unit: pred = w*x + b.
func linearModel() ModelFunc {
	return NewModelFunc(sig.New("x"), func(ctx *context.Context, inputs fields.NodeMap) fields.NodeMap {
		return fields.NodeMap{"pred": layers.DenseWithBias(ctx, inputs["x"], 1)}
	})
}

// identityModel forwards its "x" input unchanged as "pred". It has no
// variables, handy for testing evaluation with a known output.
func identityModel() ModelFunc {
	return NewModelFunc(sig.New("x"), func(_ *context.Context, inputs fields.NodeMap) fields.NodeMap {
		return fields.NodeMap{"pred": inputs["x"]}
	})
}

// linearDataset builds x in [-1, 1) and target = 3x + 2.
func linearDataset(t *testing.T, name string, numExamples, batchSize int) *dataset.InMemory {
	rng := rand.New(rand.NewPCG(17, 17))
	xs := make([][]float32, numExamples)
	ys := make([][]float32, numExamples)
	for ii := range numExamples {
		x := float32(rng.Float64()*2 - 1)
		xs[ii] = []float32{x}
		ys[ii] = []float32{3*x + 2}
	}
	ds, err := dataset.FromData(name, map[string]any{"x": xs}, map[string]any{"target": ys})
	require.NoError(t, err)
	return ds.BatchSize(batchSize, true)
}

func newLinearTrainer(t *testing.T, evalMetrics []metrics.Metric) *Trainer {
	backend := buildTestBackend()
	ctx := context.New()
	return NewTrainer(backend, ctx, linearModel(), losses.MeanSquaredError(),
		optimizers.Adam().LearningRate(0.1).Done(), nil, evalMetrics)
}

func TestTrainerLearnsLinearRegression(t *testing.T) {
	trainer := newLinearTrainer(t, nil)
	ds := linearDataset(t, "linear", 256, 32)

	var first, last float64
	for epoch := range 30 {
		err := dataset.Exhaust(ds, func(inputs, labels fields.Map) error {
			sm, err := trainer.TrainStep(inputs, labels)
			if err != nil {
				return err
			}
			if epoch == 0 && first == 0 {
				first = sm.Loss
			}
			last = sm.Loss
			return nil
		})
		require.NoError(t, err)
		ds.Reset()
	}
	fmt.Printf("\tfirst batch loss=%.5g, last batch loss=%.5g\n", first, last)
	require.Greater(t, first, 0.0)
	require.Less(t, last, first/10, "loss should have dropped by 10x while fitting y=3x+2")
	require.Greater(t, trainer.GlobalStep(), int64(0))
}

func TestTrainStepRejectsMissingField(t *testing.T) {
	trainer := newLinearTrainer(t, nil)
	ds, err := dataset.FromData("misnamed",
		map[string]any{"inputs": [][]float32{{1}, {2}}},
		map[string]any{"target": [][]float32{{1}, {2}}})
	require.NoError(t, err)
	inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	_, err = trainer.TrainStep(inputs, labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model inputs")
	assert.Contains(t, err.Error(), "x")
	assert.Contains(t, err.Error(), "inputs")
}

func TestTrainStepInterruptsOnNaNLoss(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	nanLoss := losses.Func("nan", []string{"pred"}, []string{"target"},
		func(preds, labels fields.NodeMap) *graph.Node {
			pred := preds["pred"]
			return graph.Scalar(pred.Graph(), pred.DType(), math.NaN())
		})
	trainer := NewTrainer(backend, ctx, linearModel(), nanLoss,
		optimizers.StochasticGradientDescent(), nil, nil)
	ds := linearDataset(t, "nan", 8, 4)
	inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	_, err = trainer.TrainStep(inputs, labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NaN")
}

func TestTesterEvalAggregatesAcrossBatches(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	tester := NewTester(backend, ctx, identityModel(),
		metrics.NewMeanBinaryLogitsAccuracy("accuracy", "acc"))

	// 4 examples, logits and labels chosen so exactly 3 are correct.
	ds, err := dataset.FromData("eval",
		map[string]any{"x": [][]float32{{2}, {-1}, {0.5}, {-0.1}}},
		map[string]any{"target": [][]float32{{1}, {0}, {0}, {0}}})
	require.NoError(t, err)
	scores, err := tester.Eval(ds.BatchSize(2, false))
	require.NoError(t, err)
	require.Contains(t, scores, "accuracy")
	assert.InDelta(t, 0.75, scores["accuracy"], 1e-6)
	assert.Contains(t, tester.Report(scores), "75.00%")

	// Eval resets the dataset, a second pass gives the same score.
	scores2, err := tester.Eval(ds)
	require.NoError(t, err)
	assert.Equal(t, scores["accuracy"], scores2["accuracy"])
}

func TestLoopHooksAndRunSteps(t *testing.T) {
	trainer := newLinearTrainer(t, nil)
	ds := linearDataset(t, "loop", 64, 8).Loop()
	loop := NewLoop(trainer)

	var order []string
	loop.OnStart("second", 10, func(loop *Loop, ds dataset.Dataset) error {
		order = append(order, "start-10")
		return nil
	})
	loop.OnStart("first", -10, func(loop *Loop, ds dataset.Dataset) error {
		order = append(order, "start--10")
		return nil
	})
	steps := 0
	loop.OnStep("count", 0, func(loop *Loop, sm StepMetrics) error {
		steps++
		return nil
	})
	ended := false
	loop.OnEnd("end", 0, func(loop *Loop, sm StepMetrics) error {
		ended = true
		return nil
	})

	_, err := loop.RunSteps(ds, 16)
	require.NoError(t, err)
	assert.Equal(t, []string{"start--10", "start-10"}, order, "hooks must run in priority order")
	assert.Equal(t, 16, steps)
	assert.True(t, ended)
	assert.Equal(t, 16, loop.LoopStep)
	assert.Equal(t, 16, loop.EndStep)
}

func TestLoopRunStepsFailsOnShortDataset(t *testing.T) {
	trainer := newLinearTrainer(t, nil)
	ds := linearDataset(t, "short", 16, 8) // 2 batches, not looping.
	loop := NewLoop(trainer)
	_, err := loop.RunSteps(ds, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "looping dataset")
}

func TestEveryNSteps(t *testing.T) {
	trainer := newLinearTrainer(t, nil)
	ds := linearDataset(t, "every", 64, 8).Loop()
	loop := NewLoop(trainer)
	calls := 0
	EveryNSteps(loop, 5, "counter", 0, func(loop *Loop, sm StepMetrics) error {
		calls++
		return nil
	})
	_, err := loop.RunSteps(ds, 17)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPreflightCatchesLossLabelMismatch(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	trainer := NewTrainer(backend, ctx, linearModel(), losses.MeanSquaredError(),
		optimizers.Adam().Done(), nil, nil)
	ds, err := dataset.FromData("mismatch",
		map[string]any{"x": [][]float32{{1}, {2}, {3}, {4}}},
		map[string]any{"gold": [][]float32{{1}, {2}, {3}, {4}}})
	require.NoError(t, err)
	err = Preflight(trainer, ds.BatchSize(2, false), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target", "the missing label field must be named")
	assert.Contains(t, err.Error(), "gold", "the unused label field must be suggested")
	assert.Contains(t, err.Error(), "sig.Rename")
}

func TestPreflightPassesAndRenameFixes(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	loss := losses.MeanSquaredError().Rename(sig.Rename{"gold": "target"})
	trainer := NewTrainer(backend, ctx, linearModel(), loss,
		optimizers.Adam().Done(), nil,
		[]metrics.Metric{metrics.NewMeanBinaryLogitsAccuracy("accuracy", "acc").
			Rename(sig.Rename{"gold": "target"})})
	ds, err := dataset.FromData("renamed",
		map[string]any{"x": [][]float32{{1}, {2}, {3}, {4}}},
		map[string]any{"gold": [][]float32{{1}, {1}, {1}, {1}}})
	require.NoError(t, err)
	batched := ds.BatchSize(2, false)
	require.NoError(t, Preflight(trainer, batched, batched))
}

func TestFitRunWithValidation(t *testing.T) {
	evalMetrics := []metrics.Metric{
		metrics.NewMeanMetric("mse", "mse", metrics.LossMetricType,
			func(_ *context.Context, labels, preds []*graph.Node) *graph.Node {
				diff := graph.Sub(labels[0], preds[0])
				return graph.ReduceAllMean(graph.Mul(diff, diff))
			}, nil),
	}
	trainer := newLinearTrainer(t, evalMetrics)
	trainDS := linearDataset(t, "fit-train", 256, 32)
	validDS := linearDataset(t, "fit-valid", 64, 32)

	result, err := NewFit(trainer, trainDS).
		WithEpochs(10).
		WithValidation(validDS).
		WithLowerIsBetter().
		Run()
	require.NoError(t, err)
	require.NotNil(t, result.BestScores)
	assert.GreaterOrEqual(t, result.BestStep, 0)
	assert.Contains(t, result.BestScores, "mse")
	assert.Greater(t, result.GlobalStep, int64(0))
	assert.NotEmpty(t, result.RunID)
}

func TestFitRequiresMetricKeyWithSeveralMetrics(t *testing.T) {
	evalMetrics := []metrics.Metric{
		metrics.NewMeanBinaryLogitsAccuracy("a", "a"),
		metrics.NewMeanBinaryLogitsAccuracy("b", "b"),
	}
	trainer := newLinearTrainer(t, evalMetrics)
	trainDS := linearDataset(t, "keys", 32, 8)
	_, err := NewFit(trainer, trainDS).WithValidation(trainDS).Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WithMetricKey")
}
