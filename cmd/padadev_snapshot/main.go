// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// padadev_snapshot reports the contents of a padadev output directory: the latest snapshot (iteration,
// model sizes per learning rate group, hyperparameters and variables) and the evaluation history of the log.
//
// Usage:
//
//	padadev_snapshot -params -log ../snapshot/san
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/padadev/pkg/adversarial"
	"github.com/gomlx/padadev/pkg/network"
	"github.com/gomlx/padadev/pkg/pada"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display the iteration and the model sizes per learning rate group.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the variables.")
	flagLog     = flag.Bool("log", false, "Lists the evaluations and the risk estimate found in the log file.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one output directory to read from. See 'padadev_snapshot -help'")
		klog.Flush()
		os.Exit(1)
	}
	dir := must.M1(fsutil.ReplaceTildeInDir(args[0]))
	if err := report(os.Stdout, dir); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// groupScopes are the top-level scopes of the model, each trained with its own learning rate multiplier.
var groupScopes = []string{network.BackboneScope, network.BottleneckScope, network.ClassifierScope, adversarial.Scope}

func report(w io.Writer, dir string) error {
	if *flagSummary || *flagParams || *flagVars {
		ctx := context.New()
		if _, err := checkpoints.Build(ctx).Dir(dir).Immediate().Done(); err != nil {
			return errors.WithMessagef(err, "failed to load snapshot from %q", dir)
		}
		if *flagSummary {
			summary(w, ctx, dir)
		}
		if *flagParams {
			params(w, ctx)
		}
		if *flagVars {
			variables(w, ctx)
		}
	}
	if *flagLog {
		if err := history(w, dir); err != nil {
			return err
		}
	}
	return nil
}

func summary(w io.Writer, ctx *context.Context, dir string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newPlainTable(true)
	table.Row("Scope", "# variables", "# parameters", "# bytes")
	for _, scope := range groupScopes {
		var numVars, totalSize int
		var totalMemory uintptr
		ctx.InAbsPath(context.RootScope + scope).EnumerateVariablesInScope(func(v *context.Variable) {
			numVars++
			totalSize += v.Shape().Size()
			totalMemory += v.Shape().Memory()
		})
		table.Row(scope, humanize.Comma(int64(numVars)), humanize.Comma(int64(totalSize)), humanize.Bytes(uint64(totalMemory)))
	}
	_, _ = fmt.Fprintln(w, "Snapshot:", dir)
	_, _ = fmt.Fprintln(w, "Iteration:", humanize.Comma(optimizers.GetGlobalStep(ctx)))
	_, _ = fmt.Fprintln(w, table.Render())
}

func params(w io.Writer, ctx *context.Context) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	table := newPlainTable(true)
	table.Row("Scope", "Name", "Type", "Value")
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	sortRows(rows)
	for _, row := range rows {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

func variables(w io.Writer, ctx *context.Context) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Variables"))
	table := newPlainTable(true)
	table.Row("Scope", "Name", "Shape", "Size", "Bytes")
	var rows [][]string
	ctx.EnumerateVariables(func(v *context.Variable) {
		shape := v.Shape()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	})
	sortRows(rows)
	for _, row := range rows {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// sortRows by the first two columns: scope and name.
func sortRows(rows [][]string) {
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
}

func history(w io.Writer, dir string) error {
	h, err := pada.ReadLog(dir)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render("Evaluations"))
	table := newPlainTable(true)
	table.Row("Iteration", "Accuracy")
	for _, e := range h.Evaluations {
		table.Row(humanize.Comma(int64(e.Iteration)), fmt.Sprintf("%.2f%%", 100*e.Accuracy))
	}
	_, _ = fmt.Fprintln(w, table.Render())
	for i, risk := range h.Risks {
		_, _ = fmt.Fprintf(w, "DEV risk of run #%d: %.5f\n", i+1, risk)
	}
	return nil
}
