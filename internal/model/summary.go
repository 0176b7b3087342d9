package model

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

// Summary renders the layer topology as a table: one row per layer with its
// kind, weight names, shapes, dtypes and parameter count, followed by totals.
func (m *Model) Summary() string {
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Layer", "Kind", "Weights", "Shapes", "DTypes", "Params")
	for _, l := range m.layers {
		kind := l.kind
		if kind == "" {
			kind = "-"
		}
		var names, shapes, dtypes []string
		for i, w := range l.weights {
			names = append(names, l.weightNames[i])
			shapes = append(shapes, w.Shape().String())
			dtypes = append(dtypes, w.DType().String())
		}
		table.Row(l.name, kind,
			strings.Join(names, "\n"),
			strings.Join(shapes, "\n"),
			strings.Join(dtypes, "\n"),
			humanize.Comma(int64(l.NumParameters())))
	}

	modelType := m.modelType
	if modelType == "" {
		modelType = "Model"
	}
	var b strings.Builder
	fmt.Fprintln(&b, titleStyle.Render(fmt.Sprintf("%s: %d layers", modelType, len(m.layers))))
	fmt.Fprintln(&b, table.Render())
	fmt.Fprintf(&b, "Total params: %s (%s)\n",
		humanize.Comma(int64(m.NumParameters())), humanize.Bytes(uint64(m.ByteSize())))
	if m.training != nil {
		fmt.Fprintf(&b, "Training: optimizer=%s loss=%s metrics=%s\n",
			m.training.Optimizer, m.training.Loss, strings.Join(m.training.Metrics, ","))
	}
	return b.String()
}
