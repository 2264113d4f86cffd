// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package metrics

// NewMeanAccumulator returns an accumulator aggregating batch values as a
// batch-size weighted mean.
func NewMeanAccumulator() Accumulator { return &meanAccumulator{} }

// NewEMAAccumulator returns an accumulator aggregating batch values as an
// exponential moving average with the given new batch weight.
func NewEMAAccumulator(newBatchWeight float64) Accumulator {
	return &emaAccumulator{newBatchWeight: newBatchWeight}
}

// NewMedianAccumulator returns an accumulator keeping a streaming
// approximate median of the batch values.
func NewMedianAccumulator() Accumulator { return &medianAccumulator{} }

// meanAccumulator aggregates batch values as a batch-size weighted mean.
type meanAccumulator struct {
	weightedSum float64
	count       int
}

func (a *meanAccumulator) Update(value float64, batchSize int) {
	if batchSize <= 0 {
		batchSize = 1
	}
	a.weightedSum += value * float64(batchSize)
	a.count += batchSize
}

func (a *meanAccumulator) Value() float64 {
	if a.count == 0 {
		return 0
	}
	return a.weightedSum / float64(a.count)
}

func (a *meanAccumulator) Reset() {
	a.weightedSum = 0
	a.count = 0
}

// emaAccumulator aggregates batch values as an exponential moving average.
// Until 1/newBatchWeight batches are seen it behaves as a plain mean, so the
// early average is not dominated by the zero initialization.
type emaAccumulator struct {
	newBatchWeight float64
	average        float64
	numBatches     int
}

func (a *emaAccumulator) Update(value float64, _ int) {
	a.numBatches++
	weight := a.newBatchWeight
	if warmup := 1.0 / float64(a.numBatches); warmup > weight {
		weight = warmup
	}
	a.average = weight*value + (1.0-weight)*a.average
}

func (a *emaAccumulator) Value() float64 { return a.average }

func (a *emaAccumulator) Reset() {
	a.average = 0
	a.numBatches = 0
}

// medianAccumulator keeps an approximate median of the batch values from a
// streaming input. Since one scalar is consumed per batch, this is a median
// of batch means.
//
// It uses the P^2 algorithm, described in the paper
// https://dl.acm.org/doi/abs/10.1145/4372.4378, and in a more friendly way in
// the post in: https://www.baeldung.com/cs/streaming-median
type medianAccumulator struct {
	markers  [5]float64
	counters [5]int64
}

func (a *medianAccumulator) Update(x float64, _ int) {
	if a.counters[4] == 0 {
		// This is the very first element:
		for i := range 5 {
			a.markers[i] = x
			if i > 0 {
				a.counters[i] = 1
			}
		}
		return
	}

	// Update the first and last markers and counters:
	a.markers[0] = min(x, a.markers[0])
	a.markers[4] = max(x, a.markers[4])
	// a.counters[0] is always 0.
	a.counters[4]++ // Always incremented.
	for i := 1; i < 4; i++ {
		if x <= a.markers[i] {
			a.counters[i]++
		}
	}

	// Find inner ideal counters:
	var idealCounters [5]float64
	currentN := float64(a.counters[4])
	p2quantiles := [5]float64{0, 0.25, 0.5, 0.75, 1}
	for i := 1; i < 4; i++ {
		idealCounters[i] = p2quantiles[i] * (currentN - 1)
	}

	// Adjust counts and markers where needed:
	for i := 1; i < 4; i++ {
		d := idealCounters[i] - float64(a.counters[i])
		if d >= 1 {
			d = 1
			if a.counters[i] >= a.counters[i+1] || a.markers[i] >= a.markers[i+1] {
				// No margin to adjust markers[i] or counters[i].
				continue
			}
		} else if d <= -1 {
			d = -1
			if a.counters[i] <= a.counters[i-1] || a.markers[i] <= a.markers[i-1] {
				// No margin to adjust markers[i] or counters[i].
				continue
			}
		} else {
			// The difference is not large enough that we need to adjust counts.
			continue
		}

		// Update the counter by d_i
		n_current := float64(a.counters[i])
		n_previous := float64(a.counters[i-1])
		n_next := float64(a.counters[i+1])
		q_previous := a.markers[i-1]
		q_current := a.markers[i]
		q_next := a.markers[i+1]

		delta_n_previous := n_current - n_previous
		delta_n_next := n_next - n_current
		delta_n_outer := n_next - n_previous

		delta_q_previous := q_current - q_previous
		delta_q_next := q_next - q_current
		delta_q_outer := q_next - q_previous

		q_new := a.markers[i] // Default to no change if interpolation fails

		// Attempt Parabolic Interpolation
		if delta_n_previous > 0 && delta_n_next > 0 && delta_n_outer > 0 {
			adjustmentAmount := d / delta_n_outer
			term1 := (delta_n_previous + d) * delta_q_next / delta_n_next
			term2 := (delta_n_next - d) * delta_q_previous / delta_n_previous
			q_new = q_current + adjustmentAmount*(term1+term2)

		} else if delta_n_outer > 0 {
			// Linear interpolation between neighbor markers:
			q_new = q_previous + (delta_n_previous+d)*delta_q_outer/delta_n_outer

		} else {
			// All markers are at the same rank (clumped), cannot interpolate.
			q_new = a.markers[i]
		}
		a.markers[i] = q_new // Commit the new marker value
		a.counters[i] += int64(d)
	}
}

func (a *medianAccumulator) Value() float64 { return a.markers[2] }

func (a *medianAccumulator) Reset() {
	a.markers = [5]float64{}
	a.counters = [5]int64{}
}
