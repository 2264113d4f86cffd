// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline attaches terminal UI and flag plumbing to a training
// run: a progress bar displaying the loop's metrics, hyperparameter settings
// parsed from a flag into the model context, and evaluation reports.
package commandline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fieldtrain/fieldtrain/dataset"
	"github.com/fieldtrain/fieldtrain/train"
	"github.com/schollz/progressbar/v3"
)

// ProgressBarName identifies the progress bar hooks on the loop.
const ProgressBarName = "fieldtrain.commandline.progressBar"

// RefreshPeriod is the minimum time between terminal updates.
var RefreshPeriod = 3 * time.Second

// ProgressbarStyle to use. Defaults to the ASCII version. Consider
// progressbar.ThemeUnicode for a prettier version, if the graphical symbols
// are supported.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	suffix           string
}

// Write implements io.Writer, and appends the current suffix with metrics to
// each line. It is meant to be used as the writer for the enclosed
// progressbar.ProgressBar, so the bar and its metrics suffix are written in
// the same write operation.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = os.Stdout.Write(data)
	if err != nil {
		return n, err
	}
	_, err = os.Stdout.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(loop *train.Loop, _ dataset.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, sm train.StepMetrics) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}

	parts := make([]string, 0, len(loop.Trainer.TrainMetrics())+2)
	parts = append(parts, fmt.Sprintf(" [step=%s]", humanize.Comma(int64(loop.LoopStep))))
	parts = append(parts, fmt.Sprintf(" [loss=%.5g]", sm.MovingLoss))
	for _, m := range loop.Trainer.TrainMetrics() {
		parts = append(parts, fmt.Sprintf(" [%s=%s]", m.ShortName(), m.PrettyPrint(sm.Values[m.Name()])))
	}
	parts = append(parts, "        ")
	pBar.suffix = strings.Join(parts, "")
	_ = pBar.bar.Add(amount) // Triggers the print, see the Write method.

	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(loop *train.Loop, _ train.StepMetrics) error {
	fmt.Printf("\n      median train step: %s\n", loop.MedianTrainStepDuration().Round(time.Microsecond))
	return nil
}

// AttachProgressBar creates a commandline progress bar and attaches it to
// the Loop, so that every time the Loop runs it displays the progression and
// the train metrics.
//
// The associated data is attached to the train.Loop, so nothing is returned.
func AttachProgressBar(loop *train.Loop) {
	pBar := &progressBar{}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at most 1000 times during the loop, or at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// ReportEval evaluates the datasets with the Tester and prints one line per
// dataset with the pretty-printed scores.
func ReportEval(tester *train.Tester, datasets ...dataset.Dataset) error {
	for _, ds := range datasets {
		scores, err := tester.Eval(ds)
		if err != nil {
			return err
		}
		fmt.Printf("Results on %s: %s\n", ds.Name(), tester.Report(scores))
	}
	return nil
}
