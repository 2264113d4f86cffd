// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"strings"

	"github.com/fieldtrain/fieldtrain/dataset"
	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/fieldtrain/fieldtrain/sig"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pre-flight defaults: how many batches to probe and the batch size
// recommended when building a dedicated check dataset. Small on purpose, the
// point is failing fast before committing to a full run.
const (
	DefaultCheckNumBatches = 2
	DefaultCheckBatchSize  = 2
)

// FieldChecker is implemented by losses and metrics that can statically
// reconcile field names, renames included, without building a graph. Both
// losses.Named and metrics.Base implement it.
type FieldChecker interface {
	Check(predFields, labelFields []string) error
}

// Preflight dry-runs the trainer before real training: it reconciles the
// dataset's field names against the model, loss and metric signatures, then
// runs DefaultCheckNumBatches real training steps to surface shape or dtype
// problems, and, if validationDS is not nil, a capped evaluation pass.
//
// Signature mismatches are reported with the full diagnostic (missing fields,
// unused fields, rename suggestion) instead of a graph building panic deep in
// the first epoch. Dataset fields the model ignores are logged as warnings,
// since they may legitimately feed only the loss or the metrics.
//
// Both datasets are Reset afterwards, so Preflight can run on the same
// datasets handed to Fit. Note the probed training steps do update the model
// variables, like the first steps of a real run would.
func Preflight(trainer *Trainer, trainDS dataset.Dataset, validationDS dataset.Dataset) error {
	inputs, labels, err := trainDS.Yield()
	if err != nil {
		return errors.WithMessagef(err, "pre-flight: dataset %q failed to yield its first batch", trainDS.Name())
	}
	trainDS.Reset()
	inputNames, labelNames := inputs.Names(), labels.Names()

	// Model inputs, statically.
	r := sig.Match(trainer.model.InputSignature(), inputNames)
	if err := r.Err("model inputs"); err != nil {
		return errors.WithMessage(err, "pre-flight")
	}
	if len(r.Unused) > 0 {
		klog.Warningf("pre-flight: dataset %q input field(s) [%s] are not consumed by the model; fine if they feed the loss or a metric",
			trainDS.Name(), strings.Join(r.Unused, ", "))
	}

	// Probe the forward graph once to learn the prediction field names, then
	// check loss and metrics statically against them.
	predNames, err := probePredictionFields(trainer, inputs)
	if err != nil {
		return errors.WithMessage(err, "pre-flight: building the model forward graph")
	}
	if err := checkFields(trainer.loss, "loss", trainer.loss.Name(), predNames, labelNames); err != nil {
		return errors.WithMessage(err, "pre-flight")
	}
	for _, m := range trainer.trainMetrics {
		if err := checkFields(m, "train metric", m.Name(), predNames, labelNames); err != nil {
			return errors.WithMessage(err, "pre-flight")
		}
	}
	for _, m := range trainer.evalMetrics {
		if err := checkFields(m, "eval metric", m.Name(), predNames, labelNames); err != nil {
			return errors.WithMessage(err, "pre-flight")
		}
	}

	// A handful of real training steps: exercises loss, backward pass and
	// optimizer with real shapes and dtypes.
	checkDS := dataset.Take(trainDS, DefaultCheckNumBatches)
	err = dataset.Exhaust(checkDS, func(inputs, labels fields.Map) error {
		_, err := trainer.TrainStep(inputs, labels)
		return err
	})
	trainDS.Reset()
	if err != nil {
		return errors.WithMessage(err, "pre-flight: training step")
	}

	// A capped evaluation pass, if there is something to validate with.
	if validationDS != nil && len(trainer.evalMetrics) > 0 {
		tester := NewTester(trainer.backend, trainer.ctx, trainer.model, trainer.evalMetrics...)
		if _, err := tester.Eval(dataset.Take(validationDS, DefaultCheckNumBatches)); err != nil {
			return errors.WithMessage(err, "pre-flight: evaluation pass")
		}
	}
	klog.V(1).Infof("pre-flight of dataset %q passed: inputs (%s), labels (%s), predictions (%s)",
		trainDS.Name(), strings.Join(inputNames, ", "), strings.Join(labelNames, ", "), strings.Join(predNames, ", "))
	return nil
}

// probePredictionFields builds and runs the forward graph on one batch, only
// to capture the names of the prediction fields the model produces.
func probePredictionFields(trainer *Trainer, inputs fields.Map) (predNames []string, err error) {
	inputNames := inputs.Names()
	probe := context.NewExec(trainer.backend, trainer.ctx, func(ctx *context.Context, all []*graph.Node) []*graph.Node {
		preds := forward(trainer.model, ctx, fields.NodesFromList(inputNames, all))
		predNames = preds.Names()
		return preds.InOrder(predNames)
	})
	inputList, err := inputs.InOrder(inputNames)
	if err != nil {
		return nil, err
	}
	args := make([]any, 0, len(inputList))
	for _, t := range inputList {
		args = append(args, t)
	}
	err = exceptions.TryCatch[error](func() {
		for _, result := range probe.Call(args...) {
			result.FinalizeAll()
		}
	})
	if err != nil {
		return nil, err
	}
	return predNames, nil
}

// checkFields statically reconciles a loss or metric against the prediction
// and label field names. Callables implementing FieldChecker know their own
// renames; for anything else the declared signatures are matched directly.
func checkFields(callable any, kind, name string, predNames, labelNames []string) error {
	if c, ok := callable.(FieldChecker); ok {
		return c.Check(predNames, labelNames)
	}
	type signatures interface {
		PredSignature() sig.Signature
		LabelSignature() sig.Signature
	}
	s, ok := callable.(signatures)
	if !ok {
		return nil
	}
	if err := sig.Match(s.PredSignature(), predNames).Err(fmt.Sprintf("%s %q (predictions)", kind, name)); err != nil {
		return err
	}
	return sig.Match(s.LabelSignature(), labelNames).Err(fmt.Sprintf("%s %q (labels)", kind, name))
}
