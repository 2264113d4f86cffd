// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"

	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/fieldtrain/fieldtrain/losses"
	"github.com/fieldtrain/fieldtrain/sig"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// NewLossMetric exposes a loss as an evaluation metric, aggregated as the
// batch-size weighted mean over the evaluation pass. It inherits the loss'
// field signatures (and renames, if any).
func NewLossMetric(shortName string, loss losses.Loss) Metric {
	return &lossMetric{loss: loss, shortName: shortName}
}

type lossMetric struct {
	loss      losses.Loss
	shortName string
}

func (m *lossMetric) Name() string                  { return m.loss.Name() }
func (m *lossMetric) ShortName() string             { return m.shortName }
func (m *lossMetric) MetricType() string            { return LossMetricType }
func (m *lossMetric) PredSignature() sig.Signature  { return m.loss.PredSignature() }
func (m *lossMetric) LabelSignature() sig.Signature { return m.loss.LabelSignature() }

func (m *lossMetric) BuildGraph(_ *context.Context, preds, labels fields.NodeMap) *Node {
	result := m.loss.BuildGraph(preds, labels)
	if !result.Shape().IsScalar() {
		result = ReduceAllMean(result)
	}
	return result
}

func (m *lossMetric) NewAccumulator() Accumulator { return NewMeanAccumulator() }

func (m *lossMetric) PrettyPrint(value float64) string { return fmt.Sprintf("%.3f", value) }

// Check forwards to the loss' own pre-flight check when it has one, so
// renames configured on the loss are honored.
func (m *lossMetric) Check(predFields, labelFields []string) error {
	if checker, ok := m.loss.(interface{ Check(predFields, labelFields []string) error }); ok {
		return checker.Check(predFields, labelFields)
	}
	if err := sig.Match(m.PredSignature(), predFields).Err(fmt.Sprintf("metric %q (predictions)", m.Name())); err != nil {
		return err
	}
	return sig.Match(m.LabelSignature(), labelFields).Err(fmt.Sprintf("metric %q (labels)", m.Name()))
}
