// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"slices"
	"sort"
	"time"

	"github.com/fieldtrain/fieldtrain/dataset"
	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but
// negative values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds dataset.Dataset) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, sm StepMetrics) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, sm StepMetrics) error

// Loop runs a training loop, invoking Trainer.TrainStep every step and
// calling the registered hooks.
//
// In itself it doesn't do much, but one can attach functionality to it, like
// progress bars, checkpointing, validation or early-stopping strategies. It
// is simple and flexible to allow arbitrary tools on the training loop.
//
// The public attributes are meant for reading only, don't change them --
// behavior can be undefined.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// LoopStep currently being executed. Defaults to 0. Notice this may not
	// be in sync with the model's GlobalStep variable.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or
	// RunEpochs). If a run method is called multiple times, StartStep is
	// reset to the last LoopStep value of the previous run.
	StartStep int

	// EndStep is one-past the last step to be executed. If -1 the end step
	// is not known yet (running till the end of the dataset). When running
	// for multiple epochs it is extrapolated after the first epoch, once one
	// knows how many steps an epoch takes.
	EndStep int

	// Epoch is set by RunEpochs to the current running epoch, starting
	// from 0.
	Epoch int

	// SharedData allows cross-tools to publish and consume information.
	// Keys (strings) and semantics/type of their values are not specified
	// by the loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// start of loop, called by all looping methods. It calls the appropriate
// hooks.
func (loop *Loop) start(ds dataset.Dataset) (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, ds)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

// step of loop, called by all looping methods. It calls the appropriate
// hooks.
func (loop *Loop) step(inputs, labels fields.Map) (sm StepMetrics, err error) {
	startTime := time.Now()
	defer func() {
		loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	}()
	sm, err = loop.Trainer.TrainStep(inputs, labels)
	if err != nil {
		return
	}
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, sm)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	return
}

// end of loop, called by all looping methods. It calls the appropriate
// hooks.
func (loop *Loop) end(sm StepMetrics) (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, sm)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the
// current LoopStep, so it can be called multiple times, and it will simply
// pick up where it left of last time.
func (loop *Loop) RunSteps(ds dataset.Dataset, steps int) (sm StepMetrics, err error) {
	if steps == 0 {
		return
	}
	loop.Trainer.ResetTrainMetrics()
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	if err = loop.start(ds); err != nil {
		return
	}
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		inputs, labels, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return sm, errors.Errorf(
					"reached end of dataset %q after %d steps (requested %d steps) -- did you mean to use "+
						"a looping dataset, or Loop.RunEpochs() instead of Loop.RunSteps()?",
					ds.Name(), loop.LoopStep-loop.StartStep, steps)
			}
			return sm, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from dataset %q", steps, ds.Name())
		}
		sm, err = loop.step(inputs, labels)
		if err != nil {
			return sm, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)", steps, loop.LoopStep)
		}
	}
	if err = loop.end(sm); err != nil {
		return sm, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return
}

// RunEpochs runs those many full passes over the dataset. StartStep is
// adjusted to the current LoopStep, so it can be called multiple times, and
// it will simply pick up where it left of last time.
//
// Loop.Epoch is set to the current running epoch. EndStep starts as -1 and
// is adjusted after the first epoch, when one knows how many steps an epoch
// takes. Dataset.Reset is called after each epoch (including the last).
func (loop *Loop) RunEpochs(ds dataset.Dataset, epochs int) (sm StepMetrics, err error) {
	loop.Trainer.ResetTrainMetrics()
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.Epoch = 0
	if err = loop.start(ds); err != nil {
		return
	}
	loop.TrainStepDurations = nil // Reset.
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		for {
			inputs, labels, err := ds.Yield()
			if err == io.EOF {
				// End of epoch: estimate the new EndStep.
				loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
				break
			}
			if err != nil {
				return sm, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed reading from dataset %q (LoopStep=%d)", epochs, ds.Name(), loop.LoopStep)
			}
			yieldsPerEpoch++
			sm, err = loop.step(inputs, labels)
			if err != nil {
				return sm, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep (LoopStep=%d)", epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		ds.Reset()
	}
	if err = loop.end(sm); err != nil {
		return sm, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return
}

// MedianTrainStepDuration returns the median duration of the training steps.
// It returns 1 millisecond if no training step was recorded, to avoid
// potential division by 0.
//
// It sorts and mutates loop.TrainStepDurations.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to
// the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to
// each step of a loop. The function fn is called after each
// Trainer.TrainStep.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to
// the end of a loop, after the last call to Trainer.TrainStep.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks of type H per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
