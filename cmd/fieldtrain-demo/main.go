// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

// fieldtrain-demo trains a small MLP binary classifier on synthetic data,
// exercising the full pipeline: named-field datasets, signature matching,
// pre-flight checking, training with validation and best-model
// checkpointing, and a final evaluation report.
package main

import (
	"flag"
	"math/rand/v2"
	"time"

	"github.com/fieldtrain/fieldtrain/commandline"
	"github.com/fieldtrain/fieldtrain/dataset"
	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/fieldtrain/fieldtrain/losses"
	"github.com/fieldtrain/fieldtrain/metrics"
	"github.com/fieldtrain/fieldtrain/sig"
	"github.com/fieldtrain/fieldtrain/train"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var (
	flagEpochs        = flag.Int("epochs", 10, "Number of epochs to train")
	flagBatchSize     = flag.Int("batch_size", 32, "Batch size")
	flagNumExamples   = flag.Int("num_examples", 2048, "Number of synthetic training examples")
	flagValidateEvery = flag.Int("validate_every", 0, "Validate every N steps instead of at every epoch end")
	flagPrintEvery    = flag.Int("print_every", 0, "Log progress every N steps")
	flagCheckpointDir = flag.String("checkpoint", "", "Directory to save the best model to; empty disables checkpointing")
	flagSkipPreflight = flag.Bool("skip_preflight", false, "Skip the pre-flight signature and dry-run checks")
)

// createDefaultContext sets the hyperparameters adjustable with -set.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParam("learning_rate", 0.01)
	ctx.SetParam("hidden_dim", 16)
	return ctx
}

// mlpModel is a 2-layer MLP producing one logit per example in the "pred"
// field.
func mlpModel() train.ModelFunc {
	return train.NewModelFunc(sig.New("x"), func(ctx *context.Context, inputs fields.NodeMap) fields.NodeMap {
		hiddenDim := context.GetParamOr(ctx, "hidden_dim", 16)
		logits := layers.DenseWithBias(ctx.In("hidden"), inputs["x"], hiddenDim)
		logits = graph.Tanh(logits)
		logits = layers.DenseWithBias(ctx.In("output"), logits, 1)
		return fields.NodeMap{"pred": logits}
	})
}

// synthesize builds a binary classification dataset of two gaussian blobs.
func synthesize(name string, rng *rand.Rand, numExamples, batchSize int, shuffle bool) *dataset.InMemory {
	xs := make([][]float32, numExamples)
	ys := make([][]float32, numExamples)
	for ii := range numExamples {
		label := float32(ii % 2)
		center := 2*float64(label) - 1 // -1 or +1.
		xs[ii] = []float32{
			float32(rng.NormFloat64() + center),
			float32(rng.NormFloat64() - center),
		}
		ys[ii] = []float32{label}
	}
	ds := must.M1(dataset.FromData(name,
		map[string]any{"x": xs},
		map[string]any{"target": ys}))
	ds = ds.BatchSize(batchSize, true)
	if shuffle {
		ds = ds.Shuffle().WithRand(rng)
	}
	return ds
}

func main() {
	klog.InitFlags(nil)
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Parse()
	must.M(commandline.ParseContextSettings(ctx, *settings))

	err := exceptions.TryCatch[error](func() { run(ctx) })
	if err != nil {
		klog.Fatalf("Error:\n%+v", err)
	}
}

func run(ctx *context.Context) {
	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Description())
	klog.Info(commandline.SprintContextSettings(ctx))

	rng := rand.New(rand.NewPCG(42, uint64(time.Now().UnixNano())))
	trainDS := synthesize("train", rng, *flagNumExamples, *flagBatchSize, true)
	validDS := synthesize("validation", rng, *flagNumExamples/4, *flagBatchSize, false)

	model := mlpModel()
	loss := losses.BinaryCrossentropyLogits()
	learningRate := context.GetParamOr(ctx, "learning_rate", 0.01)
	optimizer := optimizers.Adam().LearningRate(learningRate).Done()
	trainMetrics := []metrics.Metric{
		metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Accuracy", "~acc", 0.01),
	}
	evalMetrics := []metrics.Metric{
		metrics.NewMeanBinaryLogitsAccuracy("accuracy", "acc"),
	}
	trainer := train.NewTrainer(backend, ctx, model, loss, optimizer, trainMetrics, evalMetrics)

	if !*flagSkipPreflight {
		must.M(train.Preflight(trainer, trainDS, validDS))
		klog.Info("pre-flight checks passed")
	}

	fit := train.NewFit(trainer, trainDS).
		WithEpochs(*flagEpochs).
		WithValidation(validDS).
		WithValidateEvery(*flagValidateEvery).
		WithPrintEvery(*flagPrintEvery)
	if *flagCheckpointDir != "" {
		checkpoint := must.M1(checkpoints.Build(ctx).
			DirFromBase(train.BestCheckpointBase(time.Now()), *flagCheckpointDir).
			Keep(3).Done())
		fit = fit.WithCheckpoint(checkpoint)
	}
	commandline.AttachProgressBar(fit.Loop())

	result := must.M1(fit.Run())
	klog.Infof("run %s finished: global step %d in %s", result.RunID, result.GlobalStep, result.Elapsed.Round(time.Millisecond))

	tester := train.NewTester(backend, ctx, model, evalMetrics...)
	must.M(commandline.ReportEval(tester, trainDS, validDS))
}
