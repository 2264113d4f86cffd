// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/fieldtrain/fieldtrain/fields"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParallelDataset wraps a thread-safe Dataset and parallelizes calls to
// Yield, caching pre-generated batches in a channel.
//
// Build it with Parallel (default configuration) or CustomParallel followed by
// Parallelism / Buffer and Start. To avoid leaking goroutines when discarding
// it early, the wrapper stops its goroutines when garbage collected.
type ParallelDataset struct {
	// Dataset being wrapped. It must be safe for concurrent Yield calls.
	Dataset Dataset

	parallelism     int
	extraBufferSize int

	impl *parallelImpl

	// keepAlive prevents garbage collection (and goroutine shutdown) in the
	// middle of long calls.
	keepAlive int64
}

type yieldUnit struct {
	inputs, labels fields.Map
}

// parallelImpl separates the implementation so that it doesn't point back to
// the ParallelDataset: garbage collecting the wrapper then also stops the
// goroutines.
type parallelImpl struct {
	ds          Dataset
	parallelism int

	err   error
	muErr sync.Mutex

	cache                                 chan yieldUnit
	epochFinished, stopEpoch, stopDataset chan struct{}
}

// Parallel parallelizes any thread-safe Dataset, with the default
// parallelism (NumCPU+1) and an equally sized buffer.
func Parallel(ds Dataset) *ParallelDataset {
	pds := CustomParallel(ds)
	return pds.Buffer(pds.parallelism).Start()
}

// CustomParallel builds a ParallelDataset to be configured with Parallelism
// and Buffer; call Start before using it as a Dataset.
func CustomParallel(ds Dataset) *ParallelDataset {
	pd := &ParallelDataset{Dataset: ds}
	pd.Parallelism(0)
	return pd
}

// Parallelism sets the number of goroutines calling ds.Yield concurrently.
// 0 (the default) means NumCPU+1. Must be called before Start. It returns the
// updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Parallelism(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called")
		return nil
	}
	if n == 0 {
		n = runtime.NumCPU() + 1
	}
	pd.parallelism = n
	return pd
}

// Buffer sets the size of the channel caching pre-generated batches. Must be
// called before Start. It returns the updated ParallelDataset, so calls can
// be cascaded.
func (pd *ParallelDataset) Buffer(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called")
		return nil
	}
	pd.extraBufferSize = n
	return pd
}

// Start finishes configuration and starts the generating goroutines. After
// Start the configuration can no longer be changed. It returns the updated
// ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Start() *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset.Start called more than once")
		return nil
	}
	impl := &parallelImpl{
		ds:          pd.Dataset,
		parallelism: pd.parallelism,
		cache:       make(chan yieldUnit, pd.extraBufferSize),
		stopDataset: make(chan struct{}),
	}
	pd.impl = impl
	runtime.SetFinalizer(pd, func(pd *ParallelDataset) {
		if pd.impl != nil {
			close(pd.impl.stopDataset)
			pd.impl = nil
		}
	})
	impl.startGoroutines()
	return pd
}

func (impl *parallelImpl) startGoroutines() {
	impl.epochFinished = make(chan struct{})
	impl.stopEpoch = make(chan struct{})
	var wg sync.WaitGroup
	for ii := 0; ii < impl.parallelism; ii++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-impl.stopEpoch:
					return
				case <-impl.stopDataset:
					return
				default:
					// Generate the next batch.
				}
				var unit yieldUnit
				var err error
				unit.inputs, unit.labels, err = impl.ds.Yield()
				if err == io.EOF {
					return
				}
				if err != nil {
					// Fatal error, stop everything.
					impl.muErr.Lock()
					if impl.err == nil {
						impl.err = err
					}
					close(impl.stopEpoch)
					close(impl.stopDataset)
					impl.muErr.Unlock()
					return
				}
				select {
				case <-impl.stopEpoch:
					return
				case <-impl.stopDataset:
					return
				case impl.cache <- unit:
					// Batch cached, move to the next.
				}
			}
		}()
	}

	// Controller: flags the end of the epoch once all generators returned.
	go func() {
		wg.Wait()
		impl.muErr.Lock()
		defer impl.muErr.Unlock()
		select {
		case <-impl.stopDataset:
			return
		default:
		}
		close(impl.epochFinished)
	}()
}

// Name implements Dataset.
func (pd *ParallelDataset) Name() string {
	return fmt.Sprintf("%s [parallel]", pd.Dataset.Name())
}

// Yield implements Dataset.
func (pd *ParallelDataset) Yield() (inputs, labels fields.Map, err error) {
	impl := pd.impl
	if impl == nil {
		err = errors.Errorf("ParallelDataset.Yield called before Start")
		return
	}
	var unit yieldUnit
	select {
	case <-impl.stopDataset:
		impl.muErr.Lock()
		err = impl.err
		impl.muErr.Unlock()
		return
	case unit = <-impl.cache:
		// Got a new batch.
	case <-impl.epochFinished:
		// No more batches being produced, but the cache may not be empty yet.
		select {
		case unit = <-impl.cache:
		default:
			err = io.EOF
			return
		}
	}
	inputs, labels = unit.inputs, unit.labels

	// No-op that keeps pd alive (and its goroutines running) to the end of
	// the call. Leave it last.
	pd.keepAlive++
	return
}

// Reset implements Dataset.
func (pd *ParallelDataset) Reset() {
	impl := pd.impl
	if impl == nil {
		klog.Errorf("ParallelDataset.Reset called before Start")
		return
	}
	impl.muErr.Lock()
	close(impl.stopEpoch)
	impl.muErr.Unlock()
	select {
	case <-impl.stopDataset:
		return
	case <-impl.cache:
		// Discard remaining cached batches.
	case <-impl.epochFinished:
		// All generators finished.
	}

	pd.Dataset.Reset()
	impl.startGoroutines()

	pd.keepAlive++
}
