// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io"
	"math/rand/v2"

	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// DefaultBatchSize used by InMemory datasets if none is configured.
const DefaultBatchSize = 32

// InMemory is a Dataset over columns of named tensors held in memory.
//
// Each field is stored as one column tensor whose leading dimension is the
// number of examples; batches are materialized by gathering rows. Build it
// with FromData and configure it with the chained methods, e.g.:
//
//	ds, err := dataset.FromData("train",
//		map[string]any{"x": xData},
//		map[string]any{"y": yData})
//	...
//	ds.BatchSize(64, true).Shuffle()
type InMemory struct {
	name           string
	inputs, labels map[string]*tensors.Tensor
	numExamples    int

	batchSize      int
	dropIncomplete bool
	shuffle        bool
	loop           bool
	rng            *rand.Rand

	order []int // nil means sequential
	pos   int
}

var _ Dataset = (*InMemory)(nil)

// FromData builds an InMemory dataset from per-field values. Each value is
// converted with tensors.FromAnyValue, so Go slices (e.g. [][]float32) and
// *tensors.Tensor are both accepted. All fields must agree on the leading
// (example) dimension.
func FromData(name string, inputs, labels map[string]any) (*InMemory, error) {
	ds := &InMemory{
		name:      name,
		inputs:    make(map[string]*tensors.Tensor, len(inputs)),
		labels:    make(map[string]*tensors.Tensor, len(labels)),
		batchSize: DefaultBatchSize,
	}
	convert := func(side string, values map[string]any, to map[string]*tensors.Tensor) error {
		for fieldName, value := range values {
			t, ok := value.(*tensors.Tensor)
			if !ok {
				err := exceptions.TryCatch[error](func() { t = tensors.FromAnyValue(value) })
				if err != nil {
					return errors.WithMessagef(err, "dataset %q: cannot convert %s field %q to a tensor", name, side, fieldName)
				}
			}
			if t.Shape().IsScalar() {
				return errors.Errorf("dataset %q: %s field %q is a scalar, it needs a leading example dimension", name, side, fieldName)
			}
			dim := t.Shape().Dimensions[0]
			if ds.numExamples == 0 {
				ds.numExamples = dim
			} else if dim != ds.numExamples {
				return errors.Errorf("dataset %q: %s field %q has %d examples, other fields have %d", name, side, fieldName, dim, ds.numExamples)
			}
			to[fieldName] = t
		}
		return nil
	}
	if err := convert("input", inputs, ds.inputs); err != nil {
		return nil, err
	}
	if err := convert("label", labels, ds.labels); err != nil {
		return nil, err
	}
	if ds.numExamples == 0 {
		return nil, errors.Errorf("dataset %q has no fields", name)
	}
	return ds, nil
}

// Name implements Dataset.
func (ds *InMemory) Name() string { return ds.name }

// NumExamples in the dataset.
func (ds *InMemory) NumExamples() int { return ds.numExamples }

// NumBatches per epoch with the current configuration. It returns -1 for
// looping datasets.
func (ds *InMemory) NumBatches() int {
	if ds.loop {
		return -1
	}
	n := ds.numExamples / ds.batchSize
	if !ds.dropIncomplete && ds.numExamples%ds.batchSize != 0 {
		n++
	}
	return n
}

// FieldNames returns the input and label field names, each sorted.
func (ds *InMemory) FieldNames() (inputs, labels []string) {
	return fields.Map(ds.inputs).Names(), fields.Map(ds.labels).Names()
}

// BatchSize configures the batch size, and whether a trailing incomplete
// batch is dropped. It returns ds for chaining.
func (ds *InMemory) BatchSize(n int, dropIncomplete bool) *InMemory {
	if n <= 0 {
		n = DefaultBatchSize
	}
	ds.batchSize = n
	ds.dropIncomplete = dropIncomplete
	return ds
}

// Shuffle configures the dataset to yield batches in random order,
// reshuffling at every Reset. It returns ds for chaining.
func (ds *InMemory) Shuffle() *InMemory {
	ds.shuffle = true
	ds.order = nil
	return ds
}

// WithRand sets the random number generator used for shuffling, for
// reproducible orders. It implies Shuffle. It returns ds for chaining.
func (ds *InMemory) WithRand(rng *rand.Rand) *InMemory {
	ds.rng = rng
	return ds.Shuffle()
}

// Loop configures the dataset to never return io.EOF: when an epoch ends it
// resets (and reshuffles if configured) transparently. Use with step-driven
// training (Loop.RunSteps). It returns ds for chaining.
func (ds *InMemory) Loop() *InMemory {
	ds.loop = true
	return ds
}

// Yield implements Dataset.
func (ds *InMemory) Yield() (inputs, labels fields.Map, err error) {
	if ds.shuffle && ds.order == nil {
		ds.reshuffle()
	}
	remaining := ds.numExamples - ds.pos
	if remaining <= 0 || (ds.dropIncomplete && remaining < ds.batchSize) {
		if !ds.loop {
			return nil, nil, io.EOF
		}
		ds.Reset()
		remaining = ds.numExamples
	}
	n := ds.batchSize
	if n > remaining {
		n = remaining
	}
	rows := make([]int, n)
	for ii := range rows {
		if ds.order != nil {
			rows[ii] = ds.order[ds.pos+ii]
		} else {
			rows[ii] = ds.pos + ii
		}
	}
	ds.pos += n

	inputs = make(fields.Map, len(ds.inputs))
	for name, col := range ds.inputs {
		inputs[name] = gatherRows(col, rows)
	}
	labels = make(fields.Map, len(ds.labels))
	for name, col := range ds.labels {
		labels[name] = gatherRows(col, rows)
	}
	return
}

// Reset implements Dataset.
func (ds *InMemory) Reset() {
	ds.pos = 0
	if ds.shuffle {
		ds.reshuffle()
	}
}

func (ds *InMemory) reshuffle() {
	if ds.order == nil {
		ds.order = make([]int, ds.numExamples)
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	shuffleFn := rand.Shuffle
	if ds.rng != nil {
		shuffleFn = ds.rng.Shuffle
	}
	shuffleFn(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// gatherRows materializes a batch tensor from the given rows of a column
// tensor. Rows are contiguous in memory, so this is a dtype-agnostic byte
// copy.
func gatherRows(col *tensors.Tensor, rows []int) *tensors.Tensor {
	shape := col.Shape()
	batchDims := append([]int{len(rows)}, shape.Dimensions[1:]...)
	batch := tensors.FromShape(shapes.Make(shape.DType, batchDims...))
	rowBytes := int(shape.Memory()) / shape.Dimensions[0]
	batch.MutableBytes(func(dst []byte) {
		col.ConstBytes(func(src []byte) {
			for ii, row := range rows {
				copy(dst[ii*rowBytes:(ii+1)*rowBytes], src[row*rowBytes:(row+1)*rowBytes])
			}
		})
	})
	return batch
}
