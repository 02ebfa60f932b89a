package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/petrijr/conductor/pkg/api"
)

var (
	green  = color.New(color.FgGreen, color.Bold)
	red    = color.New(color.FgRed, color.Bold)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
)

func success(w io.Writer, format string, args ...any) { green.Fprintf(w, format+"\n", args...) }
func failure(w io.Writer, format string, args ...any) { red.Fprintf(w, format+"\n", args...) }
func info(w io.Writer, format string, args ...any)    { cyan.Fprintf(w, format+"\n", args...) }

// stateColor paints terminal states by outcome.
func stateColor(s api.StateType) *color.Color {
	switch s {
	case api.StateSuccess:
		return green
	case api.StateWarning, api.StateRetried, api.StatePaused:
		return yellow
	case api.StateFailed, api.StateKilled, api.StateCancelled:
		return red
	}
	return cyan
}

// table prints aligned columns; cell widths ignore color codes.
type table struct {
	headers []string
	rows    [][]string
	colors  [][]*color.Color
	widths  []int
}

func newTable(headers ...string) *table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &table{headers: headers, widths: widths}
}

// addRow appends a row. colors is indexed like row; nil entries are plain.
func (t *table) addRow(row []string, colors ...*color.Color) {
	for i, cell := range row {
		if i < len(t.widths) && len(cell) > t.widths[i] {
			t.widths[i] = len(cell)
		}
	}
	t.rows = append(t.rows, row)
	t.colors = append(t.colors, colors)
}

func (t *table) render(w io.Writer) {
	header := color.New(color.FgCyan, color.Bold)
	for i, h := range t.headers {
		header.Fprintf(w, "%-*s  ", t.widths[i], h)
	}
	fmt.Fprintln(w)
	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", t.widths[i]), "  ")
	}
	fmt.Fprintln(w)
	for r, row := range t.rows {
		for i, cell := range row {
			if i >= len(t.widths) {
				break
			}
			if i < len(t.colors[r]) && t.colors[r][i] != nil {
				t.colors[r][i].Fprintf(w, "%-*s  ", t.widths[i], cell)
				continue
			}
			fmt.Fprintf(w, "%-*s  ", t.widths[i], cell)
		}
		fmt.Fprintln(w)
	}
}

// printExecution prints the execution state and one row per task run.
func printExecution(w io.Writer, exec *api.Execution) {
	state := exec.State.Current()
	fmt.Fprintf(w, "execution %s (%s rev %d) ", exec.ID, exec.Namespace+"/"+exec.FlowID, exec.FlowRevision)
	stateColor(state).Fprintf(w, "%s", state)
	fmt.Fprintf(w, " in %s\n", exec.State.Duration(time.Now()).Round(time.Millisecond))
	if exec.Error != "" {
		failure(w, "  %s", exec.Error)
	}
	if len(exec.TaskRuns) == 0 {
		return
	}

	t := newTable("TASK", "VALUE", "ATTEMPT", "STATE", "OUTPUTS")
	for _, tr := range exec.TaskRuns {
		s := tr.State.Current()
		t.addRow([]string{
			tr.TaskID,
			tr.Value,
			fmt.Sprint(tr.Attempt),
			string(s),
			formatOutputs(tr.Outputs),
		}, nil, nil, nil, stateColor(s))
	}
	t.render(w)
}

func formatOutputs(outputs map[string]any) string {
	if len(outputs) == 0 {
		return ""
	}
	keys := slices.Sorted(maps.Keys(outputs))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, outputs[k]))
	}
	return strings.Join(parts, " ")
}
