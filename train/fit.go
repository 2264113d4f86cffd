// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"

	"github.com/fieldtrain/fieldtrain/dataset"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Fit orchestrates a full training run: epochs over the training dataset,
// periodic validation with a Tester, best-score tracking and checkpoint
// saving on improvement.
//
// Configure it with the chained With* methods and call Run. The zero
// configuration runs 1 epoch with no validation.
type Fit struct {
	trainer *Trainer
	trainDS dataset.Dataset
	loop    *Loop

	epochs        int
	validateEvery int
	printEvery    int

	validationDS  dataset.Dataset
	tester        *Tester
	checkpoint    *checkpoints.Handler
	metricKey     string
	lowerIsBetter bool

	runID     string
	startTime time.Time
	curEpoch  int
}

// Result of a training run.
type Result struct {
	// RunID identifies the run, also used in log lines.
	RunID string

	// GlobalStep of the model after the run.
	GlobalStep int64

	// Elapsed wall time of the run.
	Elapsed time.Duration

	// BestScores of the validation metrics at the best step seen, keyed by
	// metric name. Nil if no validation dataset was configured.
	BestScores map[string]float64

	// BestStep is the loop step at which BestScores was recorded.
	BestStep int
}

// NewFit creates a training run over the dataset. The trainer's eval
// metrics are used for validation when a validation dataset is configured.
func NewFit(trainer *Trainer, trainDS dataset.Dataset) *Fit {
	return &Fit{
		trainer: trainer,
		trainDS: trainDS,
		loop:    NewLoop(trainer),
		epochs:  1,
	}
}

// Loop returns the underlying training loop, so callers can attach their
// own hooks (progress bars, plotting, early stopping) before Run.
func (f *Fit) Loop() *Loop { return f.loop }

// WithEpochs sets how many passes over the training dataset to run.
func (f *Fit) WithEpochs(epochs int) *Fit {
	f.epochs = epochs
	return f
}

// WithValidation sets the dataset to validate on. Validation runs at the
// end of every epoch, unless WithValidateEvery configures a step period.
func (f *Fit) WithValidation(ds dataset.Dataset) *Fit {
	f.validationDS = ds
	return f
}

// WithValidateEvery validates every n training steps instead of at every
// epoch end. A value <= 0 restores the epoch-end default.
func (f *Fit) WithValidateEvery(n int) *Fit {
	f.validateEvery = n
	return f
}

// WithPrintEvery logs training progress every n steps. A value <= 0
// disables the periodic log line.
func (f *Fit) WithPrintEvery(n int) *Fit {
	f.printEvery = n
	return f
}

// WithCheckpoint saves the model through the handler whenever validation
// improves on the best score seen (or at every validation, if no metric key
// can be determined). Without a validation dataset it saves at the end of
// every epoch.
func (f *Fit) WithCheckpoint(handler *checkpoints.Handler) *Fit {
	f.checkpoint = handler
	return f
}

// WithMetricKey selects which validation metric decides the best model.
// Defaults to the only eval metric when there is exactly one; with several
// eval metrics the key must be set.
func (f *Fit) WithMetricKey(name string) *Fit {
	f.metricKey = name
	return f
}

// WithLowerIsBetter inverts the best-score comparison, for metrics like
// loss or perplexity where smaller is better.
func (f *Fit) WithLowerIsBetter() *Fit {
	f.lowerIsBetter = true
	return f
}

// Run executes the training run and returns its Result. The run interrupts
// on the first error: a failing hook, a signature mismatch, a NaN loss or a
// failing validation.
func (f *Fit) Run() (*Result, error) {
	if f.epochs <= 0 {
		return nil, errors.Errorf("Fit requires at least 1 epoch, got %d", f.epochs)
	}
	if err := f.setupValidation(); err != nil {
		return nil, err
	}
	f.runID = uuid.NewString()[:8]
	f.startTime = time.Now()
	result := &Result{RunID: f.runID, BestStep: -1}

	if f.printEvery > 0 {
		EveryNSteps(f.loop, f.printEvery, "progress-log", 100, func(loop *Loop, sm StepMetrics) error {
			klog.Infof("[%s] step %d (epoch %d): loss=%.5g moving_loss=%.5g elapsed=%s",
				f.runID, loop.LoopStep, f.curEpoch, sm.Loss, sm.MovingLoss, time.Since(f.startTime).Round(time.Second))
			return nil
		})
	}
	if f.tester != nil && f.validateEvery > 0 {
		EveryNSteps(f.loop, f.validateEvery, "validation", 110, func(loop *Loop, sm StepMetrics) error {
			return f.validate(result)
		})
	}

	klog.Infof("[%s] training %q for %d epoch(s), validation=%v", f.runID, f.trainDS.Name(), f.epochs, f.validationDS != nil)
	for epoch := 0; epoch < f.epochs; epoch++ {
		f.curEpoch = epoch
		if _, err := f.loop.RunEpochs(f.trainDS, 1); err != nil {
			return nil, errors.WithMessagef(err, "epoch %d", epoch)
		}
		// Step-periodic validation suppresses the epoch-end one.
		if f.tester != nil && f.validateEvery <= 0 {
			if err := f.validate(result); err != nil {
				return nil, errors.WithMessagef(err, "epoch %d", epoch)
			}
		}
		if f.tester == nil && f.checkpoint != nil {
			if err := f.checkpoint.Save(); err != nil {
				return nil, errors.WithMessagef(err, "saving checkpoint at epoch %d", epoch)
			}
		}
	}

	result.GlobalStep = f.trainer.GlobalStep()
	result.Elapsed = time.Since(f.startTime)
	klog.Infof("[%s] done: %d steps in %s", f.runID, result.GlobalStep, result.Elapsed.Round(time.Second))
	if result.BestScores != nil {
		klog.Infof("[%s] best validation at step %d: %s", f.runID, result.BestStep, f.tester.Report(result.BestScores))
	}
	return result, nil
}

// setupValidation builds the Tester and resolves the metric key.
func (f *Fit) setupValidation() error {
	if f.validationDS == nil {
		return nil
	}
	evalMetrics := f.trainer.EvalMetrics()
	if len(evalMetrics) == 0 {
		return errors.Errorf("a validation dataset was configured but the Trainer has no eval metrics")
	}
	if f.metricKey == "" {
		if len(evalMetrics) > 1 {
			names := make([]string, 0, len(evalMetrics))
			for _, m := range evalMetrics {
				names = append(names, m.Name())
			}
			return errors.Errorf("several eval metrics configured (%v), pick the one deciding the best model with WithMetricKey", names)
		}
		f.metricKey = evalMetrics[0].Name()
	} else {
		found := false
		for _, m := range evalMetrics {
			found = found || m.Name() == f.metricKey
		}
		if !found {
			return errors.Errorf("metric key %q does not match any eval metric", f.metricKey)
		}
	}
	f.tester = NewTester(f.trainer.Backend(), f.trainer.Context(), f.trainer.Model(), evalMetrics...)
	return nil
}

// validate runs the Tester and updates the best scores, saving a checkpoint
// on improvement.
func (f *Fit) validate(result *Result) error {
	scores, err := f.tester.Eval(f.validationDS)
	if err != nil {
		return err
	}
	score, found := scores[f.metricKey]
	if !found {
		return errors.Errorf("validation did not produce the key metric %q", f.metricKey)
	}
	improved := result.BestStep < 0 ||
		(!f.lowerIsBetter && score > result.BestScores[f.metricKey]) ||
		(f.lowerIsBetter && score < result.BestScores[f.metricKey])
	report := f.tester.Report(scores)
	if !improved {
		klog.Infof("[%s] validation at step %d: %s", f.runID, f.loop.LoopStep, report)
		return nil
	}
	result.BestScores = scores
	result.BestStep = f.loop.LoopStep
	klog.Infof("[%s] validation at step %d: %s (new best %s)", f.runID, f.loop.LoopStep, report, f.metricKey)
	if f.checkpoint != nil {
		if err := f.checkpoint.Save(); err != nil {
			return errors.WithMessage(err, "saving checkpoint after improved validation")
		}
		klog.Infof("[%s] checkpoint saved to %s", f.runID, f.checkpoint.Dir())
	}
	return nil
}

// BestCheckpointBase returns a checkpoint base directory name that encodes
// the run start time, so successive runs don't overwrite each other's best
// model.
func BestCheckpointBase(start time.Time) string {
	return fmt.Sprintf("best_model_%s", start.Format("2006_01_02_15_04_05"))
}
