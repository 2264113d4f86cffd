// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

// Package losses adapts GoMLX loss functions to named fields.
//
// A Loss declares by name which model outputs and which dataset label fields
// it consumes; the trainer reconciles those declarations against what is
// actually available (see package sig) and feeds the loss only the fields it
// asked for. The tensor math itself is the GoMLX losses.LossFn being wrapped.
package losses

import (
	"fmt"

	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/fieldtrain/fieldtrain/sig"
	"github.com/gomlx/gomlx/graph"
	gomlxlosses "github.com/gomlx/gomlx/ml/train/losses"
)

// Default field names a wrapped loss consumes, when not configured otherwise.
const (
	DefaultPredField  = "pred"
	DefaultLabelField = "target"

	// Optional label fields recognized by the GoMLX losses: per-example
	// weights and a boolean mask.
	WeightField = "weight"
	MaskField   = "mask"
)

// Loss scores model predictions against ground-truth labels during training.
//
// It declares its field interest on both sides: PredSignature names fields
// taken from the model's outputs, LabelSignature names fields taken from the
// dataset labels. BuildGraph is called during graph building with the
// already-reconciled field maps and returns the loss, either a scalar or one
// value per example (the trainer reduce-means it).
type Loss interface {
	Name() string
	PredSignature() sig.Signature
	LabelSignature() sig.Signature
	BuildGraph(preds, labels fields.NodeMap) *graph.Node
}

// Named adapts a GoMLX losses.LossFn to named fields. Build it with Wrap and
// configure the field names with the chained methods.
type Named struct {
	name     string
	fn       gomlxlosses.LossFn
	predSig  sig.Signature
	labelSig sig.Signature
	renames  sig.Rename
}

var _ Loss = (*Named)(nil)

// Wrap adapts fn to a named Loss. By default it consumes the model output
// field "pred" and the label field "target", with the optional label fields
// "weight" and "mask" forwarded when the dataset provides them.
func Wrap(name string, fn gomlxlosses.LossFn) *Named {
	return &Named{
		name:     name,
		fn:       fn,
		predSig:  sig.New(DefaultPredField),
		labelSig: sig.New(DefaultLabelField).WithOptional(WeightField, MaskField),
	}
}

// WithPreds replaces the model output fields the loss consumes. Order
// matters: it is the order the underlying LossFn receives them in.
func (l *Named) WithPreds(names ...string) *Named {
	l.predSig = sig.New(names...)
	return l
}

// WithLabels replaces the required label fields the loss consumes. Order
// matters: it is the order the underlying LossFn receives them in. The
// optional "weight" and "mask" fields remain recognized.
func (l *Named) WithLabels(names ...string) *Named {
	l.labelSig = sig.New(names...).WithOptional(WeightField, MaskField)
	return l
}

// Rename maps dataset/model field names to the names this loss declares,
// applied before signature matching. It is the fix suggested by the
// diagnostics when the two sides disagree on naming.
func (l *Named) Rename(renames sig.Rename) *Named {
	l.renames = renames
	return l
}

// Name implements Loss.
func (l *Named) Name() string { return l.name }

// PredSignature implements Loss.
func (l *Named) PredSignature() sig.Signature { return l.predSig }

// LabelSignature implements Loss.
func (l *Named) LabelSignature() sig.Signature { return l.labelSig }

// BuildGraph implements Loss. It panics (GoMLX graph-building convention)
// with the signature diagnostics if a required field is absent.
func (l *Named) BuildGraph(preds, labels fields.NodeMap) *graph.Node {
	preds, labels = l.reconcile(preds, labels)
	predList := preds.InOrder(append(l.predSig.Required, matchedOptionals(l.predSig, preds)...))
	labelList := labels.InOrder(append(l.labelSig.Required, matchedOptionals(l.labelSig, labels)...))
	return l.fn(labelList, predList)
}

// Check performs the signature reconciliation against the given field names
// without building any graph. It is used by the pre-flight checker.
func (l *Named) Check(predFields, labelFields []string) error {
	err := sig.Match(l.predSig, l.renames.Names(predFields)).Err(fmt.Sprintf("loss %q (predictions)", l.name))
	if err != nil {
		return err
	}
	return sig.Match(l.labelSig, l.renames.Names(labelFields)).Err(fmt.Sprintf("loss %q (labels)", l.name))
}

func (l *Named) reconcile(preds, labels fields.NodeMap) (fields.NodeMap, fields.NodeMap) {
	var err error
	if preds, err = sig.Apply(l.renames, preds); err != nil {
		panic(err)
	}
	if labels, err = sig.Apply(l.renames, labels); err != nil {
		panic(err)
	}
	matchedPreds, r := sig.Filter(l.predSig, preds)
	if err := r.Err(fmt.Sprintf("loss %q (predictions)", l.name)); err != nil {
		panic(err)
	}
	matchedLabels, r := sig.Filter(l.labelSig, labels)
	if err := r.Err(fmt.Sprintf("loss %q (labels)", l.name)); err != nil {
		panic(err)
	}
	return matchedPreds, matchedLabels
}

// matchedOptionals returns the optional names of s present in m, in the order
// they were declared.
func matchedOptionals(s sig.Signature, m fields.NodeMap) []string {
	var present []string
	for _, name := range s.Optional {
		if _, found := m[name]; found {
			present = append(present, name)
		}
	}
	return present
}

// MeanSquaredError returns a named wrapper of the GoMLX mean squared error.
func MeanSquaredError() *Named {
	return Wrap("mse", gomlxlosses.MeanSquaredError)
}

// MeanAbsoluteError returns a named wrapper of the GoMLX mean absolute error.
func MeanAbsoluteError() *Named {
	return Wrap("mae", gomlxlosses.MeanAbsoluteError)
}

// BinaryCrossentropy returns a named wrapper of the GoMLX binary
// cross-entropy over probabilities.
func BinaryCrossentropy() *Named {
	return Wrap("binary_crossentropy", gomlxlosses.BinaryCrossentropy)
}

// BinaryCrossentropyLogits returns a named wrapper of the GoMLX binary
// cross-entropy over logits.
func BinaryCrossentropyLogits() *Named {
	return Wrap("binary_crossentropy_logits", gomlxlosses.BinaryCrossentropyLogits)
}

// SparseCategoricalCrossEntropyLogits returns a named wrapper of the GoMLX
// sparse categorical cross-entropy over logits.
func SparseCategoricalCrossEntropyLogits() *Named {
	return Wrap("sparse_categorical_crossentropy", gomlxlosses.SparseCategoricalCrossEntropyLogits)
}

// Huber returns a named wrapper of the GoMLX Huber loss with the given delta
// (1.0 is a good default).
func Huber(delta float64) *Named {
	return Wrap("huber", gomlxlosses.MakeHuberLoss(delta))
}

// Func adapts a plain graph-building function to a Loss, declaring the model
// output and label fields it consumes. No renaming is applied.
func Func(name string, predFields, labelFields []string,
	fn func(preds, labels fields.NodeMap) *graph.Node) Loss {
	return &funcLoss{
		name:     name,
		predSig:  sig.New(predFields...),
		labelSig: sig.New(labelFields...),
		fn:       fn,
	}
}

type funcLoss struct {
	name     string
	predSig  sig.Signature
	labelSig sig.Signature
	fn       func(preds, labels fields.NodeMap) *graph.Node
}

func (l *funcLoss) Name() string                 { return l.name }
func (l *funcLoss) PredSignature() sig.Signature { return l.predSig }
func (l *funcLoss) LabelSignature() sig.Signature {
	return l.labelSig
}

func (l *funcLoss) BuildGraph(preds, labels fields.NodeMap) *graph.Node {
	matchedPreds, r := sig.Filter(l.predSig, preds)
	if err := r.Err(fmt.Sprintf("loss %q (predictions)", l.name)); err != nil {
		panic(err)
	}
	matchedLabels, r := sig.Filter(l.labelSig, labels)
	if err := r.Err(fmt.Sprintf("loss %q (labels)", l.name)); err != nil {
		panic(err)
	}
	return l.fn(matchedPreds, matchedLabels)
}
