// Package ui renders register maps and poll results for the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tonylturner/scadasim/internal/poller"
	"github.com/tonylturner/scadasim/internal/regmap"
)

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7")).Bold(true)
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7dcfff")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	staleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e"))
	frameStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#414868")).
			Padding(0, 1)
)

// Table is a plain column table.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Render lays the table out with columns sized to their widest cell.
func (t Table) Render() string {
	if len(t.Headers) == 0 {
		return ""
	}
	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	for i, h := range t.Headers {
		b.WriteString(headerStyle.Render(padRight(h, widths[i])))
		if i < len(t.Headers)-1 {
			b.WriteString("  ")
		}
	}
	b.WriteString("\n")
	total := 2 * (len(widths) - 1)
	for _, w := range widths {
		total += w
	}
	b.WriteString(mutedStyle.Render(strings.Repeat("─", total)))
	b.WriteString("\n")
	for _, row := range t.Rows {
		for i := range t.Headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			b.WriteString(padRight(cell, widths[i]))
			if i < len(t.Headers)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderPoints renders a register map snapshot.
func RenderPoints(title string, model regmap.MemoryModel, values []regmap.PointValue) string {
	t := Table{Headers: []string{"POINT", "TABLE", "ADDRESS", "TYPE", "VALUE", "UNITS"}}
	for _, v := range values {
		t.Rows = append(t.Rows, []string{
			v.Name,
			v.Table.String(),
			fmt.Sprintf("%d", v.Address),
			v.Type.String(),
			formatValue(v.Type, v.Value),
			v.Units,
		})
	}
	body := titleStyle.Render(fmt.Sprintf("%s (%s memory model)", title, model)) + "\n\n" + t.Render()
	return frameStyle.Render(body)
}

// RenderSamples renders the result of one poll.
func RenderSamples(samples []poller.Sample) string {
	if len(samples) == 0 {
		return mutedStyle.Render("(no samples)")
	}
	t := Table{Headers: []string{"SLAVE", "POINT", "VALUE", "STATUS", "TIME"}}
	for _, s := range samples {
		status := "ok"
		if s.Stale {
			status = staleStyle.Render("stale")
		}
		t.Rows = append(t.Rows, []string{
			s.Slave,
			s.Point,
			fmt.Sprintf("%.4g", s.Value),
			status,
			s.Time.Format(time.TimeOnly),
		})
	}
	return t.Render()
}

// RenderPorts renders the serial ports found on the host.
func RenderPorts(ports []string) string {
	if len(ports) == 0 {
		return mutedStyle.Render("(no serial ports found)")
	}
	lines := []string{titleStyle.Render("Serial ports:")}
	for _, p := range ports {
		lines = append(lines, "  "+p)
	}
	return strings.Join(lines, "\n")
}

func formatValue(typ regmap.PointType, v float64) string {
	switch typ {
	case regmap.TypeBit:
		if v != 0 {
			return "ON"
		}
		return "OFF"
	case regmap.TypeUint16:
		return fmt.Sprintf("%d", uint16(v))
	default:
		return fmt.Sprintf("%.4f", v)
	}
}

func padRight(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}
