// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package progress displays the progress of a pada.Trainer on the command-line: a progress bar with a table
// of the latest losses and accuracies, refreshed asynchronously.
package progress

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/padadev/pkg/pada"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates of the stats table.
const maxUpdateFrequency = time.Millisecond * 200

type update struct {
	amount int
	rows   [][2]string
}

// Bar implements pada.Observer. Create it with New and register it with pada.Trainer.AddObserver.
type Bar struct {
	out     io.Writer
	termenv *termenv.Output
	bar     *progressbar.ProgressBar

	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	numRows       int

	updates          chan update
	asyncUpdatesDone sync.WaitGroup

	// Only accessed from the training goroutine.
	endIteration  int
	lastStepTime  time.Time
	stepDurations []time.Duration
	lastAccuracy  float64
	bestAccuracy  float64
	bestIteration int
	evaluated     bool
}

var _ pada.Observer = (*Bar)(nil)

// New returns a Bar writing to out. If out is nil, os.Stdout is used.
func New(out io.Writer) *Bar {
	if out == nil {
		out = os.Stdout
	}
	return &Bar{out: out}
}

// OnStart implements pada.Observer.
func (b *Bar) OnStart(t *pada.Trainer) {
	b.start(t.Iteration(), t.Config().NumIterations)
}

func (b *Bar) start(startIteration, endIteration int) {
	b.endIteration = endIteration
	b.lastStepTime = time.Now()
	b.isFirstOutput = true
	b.termenv = termenv.NewOutput(b.out)
	b.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	b.statsTable = newTable()
	b.bar = progressbar.NewOptions(max(endIteration-startIteration, 1),
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionSetWriter(b.out),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("iterations"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	b.updates = make(chan update, 100)
	b.asyncUpdatesDone.Add(1)
	go b.draw(b.updates)
}

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// draw prints the updates, merging the ones that accumulated while the terminal was busy.
func (b *Bar) draw(updates <-chan update) {
	defer b.asyncUpdatesDone.Done()
	for u := range updates {
		amount := u.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				u = newUpdate
			default:
				break exhaust
			}
		}

		b.statsTable.Data(lgtable.NewStringData())
		for _, row := range u.rows {
			b.statsTable.Row(row[0], row[1])
		}
		b.termenv.HideCursor()
		if !b.isFirstOutput {
			// Table rows, its 2 borders, the progress bar line and the empty line.
			b.termenv.CursorPrevLine(b.numRows + 2 + 2)
		}
		b.isFirstOutput = false
		b.numRows = len(u.rows)
		_, _ = fmt.Fprintln(b.out, b.statsStyle.Render(b.statsTable.String()))
		_ = b.bar.Add(amount)
		_, _ = fmt.Fprintln(b.out)
		b.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (b *Bar) medianStepDuration() time.Duration {
	if len(b.stepDurations) == 0 {
		return 0
	}
	sorted := slices.Clone(b.stepDurations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// OnStep implements pada.Observer.
func (b *Bar) OnStep(iteration int, m pada.StepMetrics) {
	now := time.Now()
	b.stepDurations = append(b.stepDurations, now.Sub(b.lastStepTime))
	if len(b.stepDurations) > 1000 {
		b.stepDurations = b.stepDurations[len(b.stepDurations)-1000:]
	}
	b.lastStepTime = now

	median := b.medianStepDuration()
	rows := [][2]string{
		{"Iteration", fmt.Sprintf("%s of %s", humanize.Comma(int64(iteration+1)), humanize.Comma(int64(b.endIteration)))},
		{"Median iteration duration", roundDuration(median).String()},
		{"Time remaining", remainingTime(b.endIteration-iteration-1, median)},
		{"Total loss", fmt.Sprintf("%.4f", m.TotalLoss)},
		{"Classifier loss", fmt.Sprintf("%.4f", m.ClassifierLoss)},
		{"Transfer loss", fmt.Sprintf("%.4f", m.TransferLoss)},
		{"Learning rate", fmt.Sprintf("%.3g", m.LearningRate)},
		{"Reversal coefficient", fmt.Sprintf("%.4f", m.Coefficient)},
	}
	if b.evaluated {
		rows = append(rows,
			[2]string{"Test accuracy", fmt.Sprintf("%.2f%%", 100*b.lastAccuracy)},
			[2]string{"Best test accuracy", fmt.Sprintf("%.2f%% (iteration %s)", 100*b.bestAccuracy, humanize.Comma(int64(b.bestIteration)))},
		)
	}
	b.updates <- update{amount: 1, rows: rows}
}

// OnEval implements pada.Observer.
func (b *Bar) OnEval(iteration int, accuracy float64) {
	b.lastAccuracy = accuracy
	if !b.evaluated || accuracy > b.bestAccuracy {
		b.bestAccuracy, b.bestIteration = accuracy, iteration
	}
	b.evaluated = true
	// Evaluations can take long: the step duration shouldn't include them.
	b.lastStepTime = time.Now()
}

// OnEnd implements pada.Observer: it waits for the pending updates and prints the summary of the result.
func (b *Bar) OnEnd(r *pada.Result) {
	b.Stop()
	_, _ = fmt.Fprintln(b.out, Summary(r))
}

// Stop waits for pending updates to be printed and restores the cursor. It is safe to call more than once,
// before the training starts, or on a nil Bar.
func (b *Bar) Stop() {
	if b == nil || b.updates == nil {
		return
	}
	close(b.updates)
	b.updates = nil
	b.asyncUpdatesDone.Wait()
	b.termenv.ShowCursor()
	_, _ = fmt.Fprintln(b.out)
}

// Summary renders a table with the result of a training run.
func Summary(r *pada.Result) string {
	table := newTable()
	table.Row("Iterations", humanize.Comma(int64(r.Iterations)))
	table.Row("Best test accuracy", fmt.Sprintf("%.5f (iteration %s)", r.BestAccuracy, humanize.Comma(int64(r.BestIteration))))
	table.Row("Final test accuracy", fmt.Sprintf("%.5f", r.FinalAccuracy))
	if r.Risk != nil {
		table.Row("DEV risk", fmt.Sprintf("%.5f", r.Risk.Risk))
		table.Row("Domain classifier decay", fmt.Sprintf("%g", r.Risk.Decay))
		table.Row("Domain classifier accuracy", fmt.Sprintf("%.4f", r.Risk.HeldOutAccuracy))
	}
	return lipgloss.NewStyle().PaddingLeft(8).Render(table.String())
}
