// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

// Package train provides the training and evaluation loops of fieldtrain:
// a Trainer that iterates epochs of forward/backward/optimizer steps, a
// Tester that aggregates metrics over an evaluation pass, a hook-based Loop
// for attaching progress bars and checkpointing, and a pre-flight checker
// that reconciles dataset field names against model, loss and metric
// signatures before committing to a full run.
//
// All tensor math, gradients and optimizer updates are delegated to GoMLX;
// this package contributes the named-field plumbing and the control flow.
package train

import (
	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/fieldtrain/fieldtrain/sig"
	"github.com/gomlx/gomlx/ml/context"
)

// Model builds the forward computation over named input fields. The
// signature declares which dataset fields the model consumes: required
// fields must be present in every batch, optional ones are fed when the
// dataset provides them.
//
// Forward is a graph building function. It is called under a context.Exec,
// so it may create and use context variables, and it reports problems by
// panicking with an error (the GoMLX convention); the Trainer converts
// panics to errors at its API boundary.
type Model interface {
	// InputSignature declares the input fields Forward consumes by name.
	InputSignature() sig.Signature

	// Forward builds the graph from input fields to named predictions.
	Forward(ctx *context.Context, inputs fields.NodeMap) fields.NodeMap
}

// Predictor is optionally implemented by models whose inference path
// differs from the training forward pass (different decoding, no dropout
// inputs, etc). The Tester uses Predict when available, Forward otherwise.
type Predictor interface {
	Predict(ctx *context.Context, inputs fields.NodeMap) fields.NodeMap
}

// ModelFunc adapts a plain graph function plus its input signature into a
// Model.
type ModelFunc struct {
	Signature sig.Signature
	Fn        func(ctx *context.Context, inputs fields.NodeMap) fields.NodeMap
}

// NewModelFunc creates a Model from a forward graph function and the input
// field names it requires.
func NewModelFunc(signature sig.Signature, fn func(ctx *context.Context, inputs fields.NodeMap) fields.NodeMap) ModelFunc {
	return ModelFunc{Signature: signature, Fn: fn}
}

func (m ModelFunc) InputSignature() sig.Signature { return m.Signature }

func (m ModelFunc) Forward(ctx *context.Context, inputs fields.NodeMap) fields.NodeMap {
	return m.Fn(ctx, inputs)
}
