// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"math"
	"strings"

	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/fieldtrain/fieldtrain/losses"
	"github.com/fieldtrain/fieldtrain/metrics"
	"github.com/fieldtrain/fieldtrain/sig"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MovingLossWeight is the weight given to each new batch loss in the moving
// loss average reported during training.
const MovingLossWeight = 0.01

// StepMetrics carries the results of one training step: the batch loss, a
// moving average of batch losses, and the accumulated train metric values
// keyed by metric name.
type StepMetrics struct {
	// Loss of the batch, after mean reduction.
	Loss float64

	// MovingLoss is an exponential moving average of batch losses.
	MovingLoss float64

	// BatchSize of the step, taken from the leading axis of the inputs.
	BatchSize int

	// Values of the train metrics accumulated so far, by metric name.
	Values map[string]float64
}

// Trainer compiles and runs the training step: the model forward pass, the
// signature-matched loss, the optimizer update and the train metrics, all in
// one JIT-compiled graph per set of input shapes.
//
// The first TrainStep fixes the dataset field names; later batches must
// provide the same fields. Create one Trainer per (model, loss, optimizer)
// combination and drive it with a Loop, or directly.
type Trainer struct {
	backend   backends.Backend
	ctx       *context.Context
	model     Model
	loss      losses.Loss
	optimizer optimizers.Interface

	trainMetrics []metrics.Metric
	evalMetrics  []metrics.Metric

	exec                   *context.Exec
	inputNames, labelNames []string

	movingLoss metrics.Accumulator
	trainAccs  []metrics.Accumulator
}

// NewTrainer constructs a Trainer. trainMetrics are computed in the training
// graph and accumulated across steps (usually moving averages, they are
// cheap); evalMetrics are not used by the Trainer itself, they are carried
// for the Tester the Fit loop builds for validation.
//
// The context ctx holds the model variables and hyperparameters, and is
// updated at every step.
func NewTrainer(backend backends.Backend, ctx *context.Context, model Model, loss losses.Loss,
	optimizer optimizers.Interface, trainMetrics, evalMetrics []metrics.Metric) *Trainer {
	t := &Trainer{
		backend:      backend,
		ctx:          ctx,
		model:        model,
		loss:         loss,
		optimizer:    optimizer,
		trainMetrics: trainMetrics,
		evalMetrics:  evalMetrics,
		movingLoss:   metrics.NewEMAAccumulator(MovingLossWeight),
	}
	t.trainAccs = make([]metrics.Accumulator, 0, len(trainMetrics))
	for _, m := range trainMetrics {
		t.trainAccs = append(t.trainAccs, m.NewAccumulator())
	}
	return t
}

// Context returns the context holding the model variables.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Backend returns the backend executing the graphs.
func (t *Trainer) Backend() backends.Backend { return t.backend }

// Model being trained.
func (t *Trainer) Model() Model { return t.model }

// TrainMetrics returns the metrics computed during training steps.
func (t *Trainer) TrainMetrics() []metrics.Metric { return t.trainMetrics }

// EvalMetrics returns the metrics meant for evaluation passes.
func (t *Trainer) EvalMetrics() []metrics.Metric { return t.evalMetrics }

// GlobalStep returns the model's global step counter, incremented by the
// optimizer at every training step.
func (t *Trainer) GlobalStep() int64 {
	return optimizers.GetGlobalStep(t.ctx)
}

// ResetTrainMetrics resets the train metric accumulators and the moving
// loss. The Loop calls it at the start of each run.
func (t *Trainer) ResetTrainMetrics() {
	t.movingLoss.Reset()
	for _, acc := range t.trainAccs {
		acc.Reset()
	}
}

// TrainStep runs one forward/backward/update step over the batch. GoMLX
// panics during graph building or execution are returned as errors.
//
// A NaN or infinite batch loss is returned as an error, so a diverging run
// interrupts instead of silently corrupting the model weights.
func (t *Trainer) TrainStep(inputs, labels fields.Map) (StepMetrics, error) {
	var sm StepMetrics
	batchSize, err := inputs.BatchSize()
	if err != nil {
		return sm, errors.WithMessage(err, "TrainStep inputs")
	}
	if t.exec == nil {
		if err := t.build(inputs.Names(), labels.Names()); err != nil {
			return sm, err
		}
	}
	if err := checkSameFields(t.inputNames, t.labelNames, inputs, labels); err != nil {
		return sm, errors.WithMessage(err, "TrainStep")
	}

	args, err := fieldArgs(inputs, t.inputNames, labels, t.labelNames)
	if err != nil {
		return sm, err
	}
	var results []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { results = t.exec.Call(args...) })
	if err != nil {
		return sm, errors.WithMessage(err, "TrainStep failed")
	}

	sm.BatchSize = batchSize
	sm.Loss = tensors.ToScalar[float64](results[0])
	if math.IsNaN(sm.Loss) {
		return sm, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(sm.Loss, 0) {
		return sm, errors.Errorf("batch loss is infinity (%f), training interrupted", sm.Loss)
	}
	t.movingLoss.Update(sm.Loss, batchSize)
	sm.MovingLoss = t.movingLoss.Value()
	sm.Values = make(map[string]float64, len(t.trainMetrics))
	for ii, m := range t.trainMetrics {
		t.trainAccs[ii].Update(tensors.ToScalar[float64](results[ii+1]), batchSize)
		sm.Values[m.Name()] = t.trainAccs[ii].Value()
	}
	for _, r := range results {
		r.FinalizeAll()
	}
	return sm, nil
}

// build compiles the training step graph executor for the given field names.
// Field names are reconciled statically first, so naming mismatches produce
// actionable errors before any graph is built.
func (t *Trainer) build(inputNames, labelNames []string) error {
	if err := sig.Match(t.model.InputSignature(), inputNames).Err("model inputs"); err != nil {
		return err
	}
	t.inputNames, t.labelNames = inputNames, labelNames
	numInputs := len(inputNames)
	graphFn := func(ctx *context.Context, all []*graph.Node) []*graph.Node {
		g := all[0].Graph()
		inputNodes := fields.NodesFromList(inputNames, all[:numInputs])
		labelNodes := fields.NodesFromList(labelNames, all[numInputs:])
		preds := forward(t.model, ctx, inputNodes)
		lossNode := t.loss.BuildGraph(preds, labelNodes)
		if !lossNode.Shape().IsScalar() {
			lossNode = graph.ReduceAllMean(lossNode)
		}
		t.optimizer.UpdateGraph(ctx, g, lossNode)
		results := make([]*graph.Node, 0, 1+len(t.trainMetrics))
		results = append(results, graph.ConvertDType(lossNode, dtypes.Float64))
		for _, m := range t.trainMetrics {
			results = append(results, graph.ConvertDType(m.BuildGraph(ctx, preds, labelNodes), dtypes.Float64))
		}
		return results
	}
	return exceptions.TryCatch[error](func() {
		t.exec = context.NewExec(t.backend, t.ctx, graphFn)
	})
}

// forward filters the input fields down to the model's signature and builds
// the forward graph. Extra dataset fields are fine here (they may feed the
// loss or metrics); missing required fields panic with the reconciliation
// diagnostic.
func forward(model Model, ctx *context.Context, inputs fields.NodeMap) fields.NodeMap {
	matched, r := sig.Filter(model.InputSignature(), inputs)
	if len(r.Missing) > 0 {
		panic(r.Err("model inputs"))
	}
	return model.Forward(ctx, fields.NodeMap(matched))
}

// checkSameFields verifies a batch provides the same field names the step
// graph was compiled for.
func checkSameFields(inputNames, labelNames []string, inputs, labels fields.Map) error {
	if namesEqual(inputNames, inputs.Names()) && namesEqual(labelNames, labels.Names()) {
		return nil
	}
	return errors.Errorf("batch fields changed after graph compilation: compiled for inputs (%s) / labels (%s), got inputs (%s) / labels (%s)",
		strings.Join(inputNames, ", "), strings.Join(labelNames, ", "),
		strings.Join(inputs.Names(), ", "), strings.Join(labels.Names(), ", "))
}

func namesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for ii := range a {
		if a[ii] != b[ii] {
			return false
		}
	}
	return true
}

// fieldArgs flattens input and label fields in the compiled order into the
// executor's argument list.
func fieldArgs(inputs fields.Map, inputNames []string, labels fields.Map, labelNames []string) ([]any, error) {
	inputList, err := inputs.InOrder(inputNames)
	if err != nil {
		return nil, errors.WithMessage(err, "inputs")
	}
	labelList, err := labels.InOrder(labelNames)
	if err != nil {
		return nil, errors.WithMessage(err, "labels")
	}
	args := make([]any, 0, len(inputList)+len(labelList))
	for _, t := range inputList {
		args = append(args, t)
	}
	for _, t := range labelList {
		args = append(args, t)
	}
	return args, nil
}

// String implements fmt.Stringer.
func (t *Trainer) String() string {
	return fmt.Sprintf("Trainer(model=%s, loss=%q)", t.model.InputSignature(), t.loss.Name())
}
