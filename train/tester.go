// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fieldtrain/fieldtrain/dataset"
	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/fieldtrain/fieldtrain/metrics"
	"github.com/fieldtrain/fieldtrain/sig"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tester runs inference over a dataset and aggregates metric scores.
//
// The inference graph uses the model's Predict method when it implements
// Predictor, and its training Forward otherwise. No variables are updated.
// Per-batch metric scalars are aggregated host-side with each metric's own
// accumulator, weighted by batch size where the accumulator calls for it.
type Tester struct {
	backend backends.Backend
	ctx     *context.Context
	model   Model
	metrics []metrics.Metric

	exec                   *context.Exec
	inputNames, labelNames []string
}

// NewTester constructs a Tester for the model and metrics, sharing the
// context (and so the trained variables) with the Trainer.
func NewTester(backend backends.Backend, ctx *context.Context, model Model, metricList ...metrics.Metric) *Tester {
	return &Tester{
		backend: backend,
		ctx:     ctx,
		model:   model,
		metrics: metricList,
	}
}

// Metrics returns the metrics the Tester scores.
func (t *Tester) Metrics() []metrics.Metric { return t.metrics }

// EvalStep computes every metric over one batch, returning the per-metric
// batch values in the order of Metrics. GoMLX panics are returned as errors.
func (t *Tester) EvalStep(inputs, labels fields.Map) ([]float64, error) {
	if t.exec == nil {
		if err := t.build(inputs.Names(), labels.Names()); err != nil {
			return nil, err
		}
	}
	if err := checkSameFields(t.inputNames, t.labelNames, inputs, labels); err != nil {
		return nil, errors.WithMessage(err, "EvalStep")
	}
	args, err := fieldArgs(inputs, t.inputNames, labels, t.labelNames)
	if err != nil {
		return nil, err
	}
	var results []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { results = t.exec.Call(args...) })
	if err != nil {
		return nil, errors.WithMessage(err, "EvalStep failed")
	}
	values := make([]float64, len(results))
	for ii, r := range results {
		values[ii] = tensors.ToScalar[float64](r)
		r.FinalizeAll()
	}
	return values, nil
}

// Eval runs one full pass over the dataset and returns the aggregated score
// of each metric, keyed by metric name. The dataset is Reset at the end, so
// it can be evaluated again.
func (t *Tester) Eval(ds dataset.Dataset) (map[string]float64, error) {
	accs := make([]metrics.Accumulator, 0, len(t.metrics))
	for _, m := range t.metrics {
		accs = append(accs, m.NewAccumulator())
	}
	start := time.Now()
	numBatches := 0
	err := dataset.Exhaust(ds, func(inputs, labels fields.Map) error {
		batchSize, err := inputs.BatchSize()
		if err != nil {
			return err
		}
		values, err := t.EvalStep(inputs, labels)
		if err != nil {
			return err
		}
		for ii, v := range values {
			accs[ii].Update(v, batchSize)
		}
		numBatches++
		return nil
	})
	ds.Reset()
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluating dataset %q", ds.Name())
	}
	scores := make(map[string]float64, len(t.metrics))
	for ii, m := range t.metrics {
		scores[m.Name()] = accs[ii].Value()
	}
	klog.V(1).Infof("evaluated dataset %q: %d batches in %s", ds.Name(), numBatches, time.Since(start))
	return scores, nil
}

// Report pretty-prints the scores, each metric formatted its own way, in
// sorted name order.
func (t *Tester) Report(scores map[string]float64) string {
	byName := make(map[string]metrics.Metric, len(t.metrics))
	for _, m := range t.metrics {
		byName[m.Name()] = m
	}
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if m, found := byName[name]; found {
			parts = append(parts, name+"="+m.PrettyPrint(scores[name]))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%.3f", name, scores[name]))
		}
	}
	return strings.Join(parts, ", ")
}

// build compiles the inference graph executor for the given field names.
func (t *Tester) build(inputNames, labelNames []string) error {
	if err := sig.Match(t.model.InputSignature(), inputNames).Err("model inputs"); err != nil {
		return err
	}
	t.inputNames, t.labelNames = inputNames, labelNames
	numInputs := len(inputNames)
	graphFn := func(ctx *context.Context, all []*graph.Node) []*graph.Node {
		ctx = ctx.Reuse() // Inference only, variables must already exist.
		inputNodes := fields.NodesFromList(inputNames, all[:numInputs])
		labelNodes := fields.NodesFromList(labelNames, all[numInputs:])
		var preds fields.NodeMap
		if predictor, ok := t.model.(Predictor); ok {
			matched, r := sig.Filter(t.model.InputSignature(), inputNodes)
			if len(r.Missing) > 0 {
				panic(r.Err("model inputs"))
			}
			preds = predictor.Predict(ctx, fields.NodeMap(matched))
		} else {
			preds = forward(t.model, ctx, inputNodes)
		}
		results := make([]*graph.Node, 0, len(t.metrics))
		for _, m := range t.metrics {
			results = append(results, graph.ConvertDType(m.BuildGraph(ctx, preds, labelNodes), dtypes.Float64))
		}
		return results
	}
	return exceptions.TryCatch[error](func() {
		t.exec = context.NewExec(t.backend, t.ctx, graphFn)
	})
}
