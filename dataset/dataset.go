// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset defines the named-field Dataset interface consumed by
// train.Trainer and train.Tester, and provides an in-memory implementation
// with batching and sampling, plus a parallel prefetching wrapper.
package dataset

import (
	"io"

	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/pkg/errors"
)

// Dataset yields batches of named fields: one map with the model inputs and
// one with the labels (ground truth). Both sides are reconciled against the
// consumers' signatures by the training and evaluation loops.
//
// Yield returns io.EOF at the end of an epoch; Reset restarts it for the next
// epoch. Implementations that sample randomly should reshuffle on Reset.
type Dataset interface {
	// Name of the dataset, used in reports and error messages.
	Name() string

	// Yield the next batch, or io.EOF at the end of the epoch.
	Yield() (inputs, labels fields.Map, err error)

	// Reset restarts the dataset for a new epoch.
	Reset()
}

// Take returns a dataset that yields at most n batches per epoch from ds.
// The pre-flight checker uses it to probe a handful of batches.
func Take(ds Dataset, n int) Dataset {
	return &takeDataset{ds: ds, limit: n}
}

type takeDataset struct {
	ds           Dataset
	limit, count int
}

func (t *takeDataset) Name() string { return t.ds.Name() }

func (t *takeDataset) Yield() (inputs, labels fields.Map, err error) {
	if t.count >= t.limit {
		return nil, nil, io.EOF
	}
	inputs, labels, err = t.ds.Yield()
	if err != nil {
		return
	}
	t.count++
	return
}

func (t *takeDataset) Reset() {
	t.count = 0
	t.ds.Reset()
}

// Exhaust drains one epoch of ds, calling fn for each batch. It stops at
// io.EOF (returning nil) or at the first error. It does not Reset ds.
func Exhaust(ds Dataset, fn func(inputs, labels fields.Map) error) error {
	for {
		inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "dataset %q failed to yield", ds.Name())
		}
		if err = fn(inputs, labels); err != nil {
			return err
		}
	}
}
