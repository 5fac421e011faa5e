package cli

import (
	"fmt"
	"maps"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/haivivi/nl2sql/pkg/metrics"
)

// Theme defines the color scheme for rendered tables.
type Theme struct {
	Primary lipgloss.Color // Main accent color
	Dim     lipgloss.Color // Dimmed/help text color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title  lipgloss.Style
	Header lipgloss.Style
	Cell   lipgloss.Style
	Border lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Header: lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Cell:   lipgloss.NewStyle().Padding(0, 1),
		Border: lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// DefaultStyles are derived from DefaultTheme.
var DefaultStyles = NewStyles(DefaultTheme)

// Table is a titled grid of cells.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// Render draws the table with a rounded border.
func (t Table) Render(s Styles) string {
	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(s.Border).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.Header
			}
			return s.Cell
		}).
		Headers(t.Headers...).
		Rows(t.Rows...)
	if t.Title == "" {
		return tbl.String()
	}
	return s.Title.Render(t.Title) + "\n" + tbl.String()
}

// SummaryTable lays out one summary per row: a label, the example count,
// the loss and every accuracy.
func SummaryTable(title string, labels []string, sums []metrics.Summary) Table {
	t := Table{Title: title, Headers: []string{"", "n", "loss"}}
	for _, st := range (metrics.Summary{}).Stats() {
		t.Headers = append(t.Headers, st.Name)
	}
	for i, s := range sums {
		label := ""
		if i < len(labels) {
			label = labels[i]
		}
		row := []string{label, fmt.Sprint(s.Examples), fmt.Sprintf("%.4f", s.Loss)}
		for _, st := range s.Stats() {
			row = append(row, fmt.Sprintf("%.3f", st.Value))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func asTable(v any) (Table, bool) {
	switch r := v.(type) {
	case Table:
		return r, true
	case *Table:
		if r == nil {
			return Table{}, false
		}
		return *r, true
	case metrics.Summary:
		return SummaryTable("", nil, []metrics.Summary{r}), true
	case map[string]metrics.Summary:
		labels := slices.Sorted(maps.Keys(r))
		sums := make([]metrics.Summary, len(labels))
		for i, k := range labels {
			sums[i] = r[k]
		}
		return SummaryTable("", labels, sums), true
	}
	return Table{}, false
}
