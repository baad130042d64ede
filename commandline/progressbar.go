/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package commandline implements terminal attachments for engines: currently
// a progress bar with step rate, epoch progression and the latest loss and
// metric values.
package commandline

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/ignite/engine"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that gives extra values to display along the
// progress bar. It is called on every update and should return a name and the
// current value.
type ExtraMetricFn func() (name, value string)

// ProgressBarName identifies the hooks registered by AttachProgressBar.
const ProgressBarName = "ignite.commandline.progressBar"

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the terminal
// supports the graphical symbols.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the minimum time between terminal updates.
const maxUpdateFrequency = time.Millisecond * 200

var suffixStyle = lipgloss.NewStyle().Faint(true)

type progressBar struct {
	bar        *progressbar.ProgressBar
	termenv    *termenv.Output
	suffix     string
	lastUpdate time.Time

	extraMetricFns []ExtraMetricFn
}

// Write implements io.Writer, appending the current suffix with the metrics
// to each line, so the bar and its suffix are written in one write operation.
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

func (pBar *progressBar) onStart(e *engine.Engine, _ train.Dataset) error {
	// The engine doesn't know the number of batches ahead of time, so the bar
	// runs in spinner mode and reports the step rate instead of a percentage.
	pBar.bar = progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	pBar.termenv.HideCursor()
	return nil
}

func (pBar *progressBar) onStep(e *engine.Engine, state *engine.State) error {
	if err := pBar.bar.Add(1); err != nil {
		return err
	}
	if time.Since(pBar.lastUpdate) < maxUpdateFrequency {
		return nil
	}
	pBar.lastUpdate = time.Now()

	parts := make([]string, 0, len(state.Metrics)+4)
	if state.MaxEpochs > 1 {
		parts = append(parts, fmt.Sprintf(" [epoch=%d/%d]", state.Epoch, state.MaxEpochs))
	}
	parts = append(parts, fmt.Sprintf(" [step=%s]", humanize.Comma(int64(state.Iteration))))
	if loss, ok := state.Output.(float64); ok {
		parts = append(parts, fmt.Sprintf(" [loss=%.3g]", loss))
	}
	for _, name := range slices.Sorted(maps.Keys(state.Metrics)) {
		parts = append(parts, fmt.Sprintf(" [%s=%.3g]", name, state.Metrics[name]))
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		parts = append(parts, fmt.Sprintf(" [%s=%s]", name, value))
	}
	// Erase to the end of the screen, so shorter suffixes don't leave crumbs.
	pBar.suffix = suffixStyle.Render(strings.Join(parts, "")) + "\033[J"
	return nil
}

func (pBar *progressBar) onCompleted(e *engine.Engine, state *engine.State) error {
	_ = pBar.bar.Finish()
	pBar.termenv.ShowCursor()
	fmt.Println()
	return nil
}

// AttachProgressBar attaches a terminal progress bar to the engine: every run
// displays step progression, step rate and the latest loss and metric values.
//
// Optionally, one can provide extraMetrics: functions called on every update
// that return a name (title) and a value to include in the print-out.
func AttachProgressBar(e *engine.Engine, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		termenv:        termenv.NewOutput(os.Stdout),
		extraMetricFns: extraMetrics,
	}
	e.OnStart(ProgressBarName, 0, pBar.onStart)
	e.OnStep(ProgressBarName, 0, pBar.onStep)
	e.OnCompleted(ProgressBarName, 0, pBar.onCompleted)
}
