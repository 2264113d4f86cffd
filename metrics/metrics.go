// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds a library of named evaluation metrics and the
// host-side accumulators that aggregate them over an evaluation pass.
//
// A Metric declares by name which model outputs and label fields it scores
// (see package sig); its graph function computes the per-batch scalar, and an
// Accumulator combines batch scalars into the final score: a batch-size
// weighted mean for evaluation, an exponential moving average for training
// progress, or a streaming median.
package metrics

import (
	"fmt"

	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/fieldtrain/fieldtrain/sig"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// Metric type keys, shared by metrics measuring the same quantity (e.g. so
// they can be reported or plotted together).
const (
	LossMetricType     = "loss"
	AccuracyMetricType = "accuracy"
)

// Default field names a metric consumes, when not configured otherwise.
const (
	DefaultPredField  = "pred"
	DefaultLabelField = "target"
)

// GraphFn is the graph building function of a stateless metric: it takes the
// signature-matched labels and predictions (in the declared order) and
// returns the metric for the batch, a scalar.
type GraphFn func(ctx *context.Context, labels, predictions []*Node) *Node

// PrettyPrintFn converts a metric value to a short display string.
type PrettyPrintFn func(value float64) string

// Accumulator aggregates per-batch metric values host-side.
type Accumulator interface {
	// Update with the metric value of one batch and the batch size.
	Update(value float64, batchSize int)

	// Value is the aggregated metric so far.
	Value() float64

	// Reset the accumulator for a new evaluation pass.
	Reset()
}

// Metric scores model predictions against ground truth. The graph side
// computes a per-batch scalar; the accumulator side aggregates batches.
type Metric interface {
	// Name of the metric, the key under which its score is reported.
	Name() string

	// ShortName is a shortened version (a few characters) for progress bars.
	ShortName() string

	// MetricType keys metrics that share the same quantity or semantics.
	MetricType() string

	// PredSignature and LabelSignature declare the fields the metric scores.
	PredSignature() sig.Signature
	LabelSignature() sig.Signature

	// BuildGraph builds the graph computing the batch scalar from the
	// already-reconciled field maps.
	BuildGraph(ctx *context.Context, preds, labels fields.NodeMap) *Node

	// NewAccumulator returns a fresh accumulator for this metric.
	NewAccumulator() Accumulator

	// PrettyPrint formats a metric value, usually in a short form.
	PrettyPrint(value float64) string
}

// Base implements Metric for any GraphFn plus an accumulator factory.
type Base struct {
	name, shortName, metricType string
	predSig, labelSig           sig.Signature
	renames                     sig.Rename
	metricFn                    GraphFn
	pPrintFn                    PrettyPrintFn
	newAccumulator              func() Accumulator
}

func (m *Base) Name() string                  { return m.name }
func (m *Base) ShortName() string             { return m.shortName }
func (m *Base) MetricType() string            { return m.metricType }
func (m *Base) PredSignature() sig.Signature  { return m.predSig }
func (m *Base) LabelSignature() sig.Signature { return m.labelSig }

func (m *Base) NewAccumulator() Accumulator {
	return m.newAccumulator()
}

func (m *Base) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return fmt.Sprintf("%.3f", value)
	}
	return m.pPrintFn(value)
}

func (m *Base) BuildGraph(ctx *context.Context, preds, labels fields.NodeMap) *Node {
	var err error
	if preds, err = sig.Apply(m.renames, preds); err != nil {
		panic(err)
	}
	if labels, err = sig.Apply(m.renames, labels); err != nil {
		panic(err)
	}
	matchedPreds, r := sig.Filter(m.predSig, preds)
	if err := r.Err(fmt.Sprintf("metric %q (predictions)", m.name)); err != nil {
		panic(err)
	}
	matchedLabels, r := sig.Filter(m.labelSig, labels)
	if err := r.Err(fmt.Sprintf("metric %q (labels)", m.name)); err != nil {
		panic(err)
	}
	predList := fields.NodeMap(matchedPreds).InOrder(m.predSig.Required)
	labelList := fields.NodeMap(matchedLabels).InOrder(m.labelSig.Required)
	result := m.metricFn(ctx, labelList, predList)
	if !result.Shape().IsScalar() {
		Panicf("metric %q should return a scalar, instead got shape %s", m.name, result.Shape())
	}
	return result
}

// Check performs the signature reconciliation against the given field names
// without building any graph. It is used by the pre-flight checker.
func (m *Base) Check(predFields, labelFields []string) error {
	err := sig.Match(m.predSig, m.renames.Names(predFields)).Err(fmt.Sprintf("metric %q (predictions)", m.name))
	if err != nil {
		return err
	}
	return sig.Match(m.labelSig, m.renames.Names(labelFields)).Err(fmt.Sprintf("metric %q (labels)", m.name))
}

// WithFields replaces the model output and label fields the metric consumes.
// Order matters: it is the order the GraphFn receives them in. It returns the
// metric for chaining.
func (m *Base) WithFields(predFields, labelFields []string) *Base {
	m.predSig = sig.New(predFields...)
	m.labelSig = sig.New(labelFields...)
	return m
}

// Rename maps dataset/model field names to the names this metric declares,
// applied before signature matching. It returns the metric for chaining.
func (m *Base) Rename(renames sig.Rename) *Base {
	m.renames = renames
	return m
}

// NewMeanMetric creates a metric from any GraphFn, aggregated as the
// batch-size weighted mean over the evaluation pass.
// pPrintFn can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName, metricType string, metricFn GraphFn, pPrintFn PrettyPrintFn) *Base {
	return &Base{
		name: name, shortName: shortName, metricType: metricType,
		predSig:  sig.New(DefaultPredField),
		labelSig: sig.New(DefaultLabelField),
		metricFn: metricFn, pPrintFn: pPrintFn,
		newAccumulator: NewMeanAccumulator,
	}
}

// NewExponentialMovingAverageMetric creates a metric from any GraphFn,
// aggregated as an exponential moving average that takes each new batch with
// the given weight. A typical newBatchWeight is 0.01: the smaller the value,
// the slower the moving average moves. Until there are enough batches it
// behaves as a plain mean.
func NewExponentialMovingAverageMetric(name, shortName, metricType string, metricFn GraphFn, pPrintFn PrettyPrintFn, newBatchWeight float64) *Base {
	m := NewMeanMetric(name, shortName, metricType, metricFn, pPrintFn)
	m.newAccumulator = func() Accumulator { return NewEMAAccumulator(newBatchWeight) }
	return m
}

// NewMedianMetric creates a metric from any GraphFn, aggregated as a
// streaming median of the batch values (P² algorithm). Since batches are
// consumed one scalar at a time, this is a median of batch means.
func NewMedianMetric(name, shortName, metricType string, metricFn GraphFn, pPrintFn PrettyPrintFn) *Base {
	m := NewMeanMetric(name, shortName, metricType, metricFn, pPrintFn)
	m.newAccumulator = NewMedianAccumulator
	return m
}

// BinaryAccuracyGraph assumes predictions are probabilities, labels are
// `{0, 1}`, and both have the same shape and dtype.
func BinaryAccuracyGraph(_ *context.Context, labels, predictions []*Node) *Node {
	prediction := predictions[0]
	g := prediction.Graph()
	label := labels[0]
	if !prediction.Shape().Equal(label.Shape()) {
		Panicf("prediction (%s) and label (%s) have different shapes, can't calculate binary accuracy",
			prediction.Shape(), label.Shape())
	}
	diff := Abs(Sub(label, prediction))
	// Accuracy is true if diff < 0.5. Notice this takes predictions of exactly
	// 0.5 to be false independent of label.
	dtype := prediction.DType()
	correct := OneMinus(NonNegativeIndicator(Sub(diff, Scalar(g, dtype, 0.5))))
	count := Scalar(g, dtype, correct.Shape().Size())
	return Div(ReduceAllSum(correct), count)
}

// BinaryLogitsAccuracyGraph assumes predictions are logits, labels are {0, 1}
// with the same total size and dtype as the logits. Zero logits are
// considered a miss. Labels of a different rank are reshaped to the logits
// shape before the accuracy is calculated.
func BinaryLogitsAccuracyGraph(_ *context.Context, labels, logits []*Node) *Node {
	logits0 := logits[0]
	g := logits0.Graph()
	labels0 := labels[0]
	if logits0.DType() != labels0.DType() {
		Panicf("logits (%s) and labels (%s) have different dtypes, can't calculate binary accuracy",
			logits0.DType(), labels0.DType())
	}
	if logits0.Shape().Size() != labels0.Shape().Size() {
		Panicf("logits (%s) and labels (%s) have different sizes, can't calculate binary accuracy",
			logits0.Shape(), labels0.Shape())
	}
	if !logits0.Shape().Equal(labels0.Shape()) {
		labels0 = Reshape(labels0, logits0.Shape().Dimensions...)
	}
	dtype := logits0.DType()
	labels0 = Sub(labels0, Scalar(g, dtype, 0.5)) // -0.5 for false, +0.5 for true.
	correct := PositiveIndicator(Mul(logits0, labels0))
	count := Scalar(g, correct.DType(), correct.Shape().Size())
	return Div(ReduceAllSum(correct), count)
}

// SparseCategoricalAccuracyGraph returns the fraction of times
// argmax(logits) is the true label. It works for both probabilities or
// logits; ties are considered misses. Labels are expected to be an integer
// type with rank equal to the logits and last dimension 1.
func SparseCategoricalAccuracyGraph(_ *context.Context, labels, logits []*Node) *Node {
	logits0 := logits[0]
	g := logits0.Graph()
	labels0 := labels[0]
	labelsShape := labels0.Shape()
	labelsRank := labelsShape.Rank()
	logitsShape := logits0.Shape()
	logitsRank := logitsShape.Rank()
	if !labelsShape.DType.IsInt() {
		Panicf("labels indices dtype (%s), it must be integer", labelsShape.DType)
	}
	if labelsRank != logitsRank {
		Panicf("labels (%s) and logits (%s) must have the same rank", labelsShape, logitsShape)
	}
	if labelsShape.Dimensions[labelsRank-1] != 1 {
		Panicf("labels (%s) are expected to have the last dimension == 1, with the true category", labelsShape)
	}

	// Mark only the maximum logit of each row with 1, the rest with 0.
	logitsMax := ReduceAndKeep(logits0, ReduceMax, -1)
	maxIndicator := NonNegativeIndicator(Sub(logits0, logitsMax))

	// Ties leave more than one indicator per row; rows with more than one
	// become all zeros (a miss).
	indicatorSum := ReduceAndKeep(maxIndicator, ReduceSum, -1)
	maxIndicator = Mul(maxIndicator, NonNegativeIndicator(Sub(Scalar(g, logitsShape.DType, 1.5), indicatorSum)))

	// One-hot encode the labels and count the rows where they agree.
	reducedLabels := Reshape(labels0, labelsShape.Dimensions[:labelsRank-1]...)
	labelValues := OneHot(reducedLabels, logitsShape.Dimensions[logitsRank-1], logitsShape.DType)
	correct := Mul(maxIndicator, labelValues)
	count := Scalar(g, correct.DType(), labelsShape.Size())
	return Div(ReduceAllSum(correct), count)
}

func accuracyPPrint(value float64) string {
	return fmt.Sprintf("%.2f%%", value*100.0)
}

// NewMeanBinaryAccuracy returns a new binary accuracy metric with the given
// names, aggregated as the batch-size weighted mean.
func NewMeanBinaryAccuracy(name, shortName string) *Base {
	return NewMeanMetric(name, shortName, AccuracyMetricType, BinaryAccuracyGraph, accuracyPPrint)
}

// NewMovingAverageBinaryAccuracy returns a new binary accuracy metric with
// the given names, aggregated as an exponential moving average.
func NewMovingAverageBinaryAccuracy(name, shortName string, newBatchWeight float64) *Base {
	return NewExponentialMovingAverageMetric(name, shortName, AccuracyMetricType, BinaryAccuracyGraph, accuracyPPrint, newBatchWeight)
}

// NewMeanBinaryLogitsAccuracy returns a new binary logits accuracy metric
// with the given names, aggregated as the batch-size weighted mean.
func NewMeanBinaryLogitsAccuracy(name, shortName string) *Base {
	return NewMeanMetric(name, shortName, AccuracyMetricType, BinaryLogitsAccuracyGraph, accuracyPPrint)
}

// NewMovingAverageBinaryLogitsAccuracy returns a new binary logits accuracy
// metric with the given names, aggregated as an exponential moving average.
func NewMovingAverageBinaryLogitsAccuracy(name, shortName string, newBatchWeight float64) *Base {
	return NewExponentialMovingAverageMetric(name, shortName, AccuracyMetricType, BinaryLogitsAccuracyGraph, accuracyPPrint, newBatchWeight)
}

// NewSparseCategoricalAccuracy returns a new sparse categorical accuracy
// metric with the given names, aggregated as the batch-size weighted mean.
func NewSparseCategoricalAccuracy(name, shortName string) *Base {
	return NewMeanMetric(name, shortName, AccuracyMetricType, SparseCategoricalAccuracyGraph, accuracyPPrint)
}
