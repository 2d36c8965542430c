package dashboard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// DefaultWidth is the number of blocks per row.
const DefaultWidth = 30

const blockGlyph = "██"

var (
	colorSystem = lipgloss.Color("#f1c40f")
	colorFree   = lipgloss.Color("#2ecc71")
	colorUsed   = lipgloss.Color("#e74c3c")
	colorMuted  = lipgloss.Color("#95a5a6")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			MarginBottom(1)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			MarginTop(1)

	kindLabels = map[Kind]string{KindSystem: "System", KindFree: "Free", KindUsed: "Used"}

	kindStyles = map[Kind]lipgloss.Style{
		KindSystem: lipgloss.NewStyle().Foreground(colorSystem),
		KindFree:   lipgloss.NewStyle().Foreground(colorFree),
		KindUsed:   lipgloss.NewStyle().Foreground(colorUsed),
	}
)

func legend() string {
	var items []string
	for _, k := range []Kind{KindSystem, KindFree, KindUsed} {
		items = append(items, kindStyles[k].Bold(true).Render(blockGlyph+" "+kindLabels[k]))
	}
	return strings.Join(items, "   ")
}

// Render draws the snapshot as a colored block grid with width blocks per row.
func Render(s Snapshot, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}

	var rows []string
	var row strings.Builder
	for i, b := range s.Blocks {
		if i > 0 && i%width == 0 {
			rows = append(rows, row.String())
			row.Reset()
		}
		if i%width != 0 {
			row.WriteString(" ")
		}
		row.WriteString(kindStyles[b.Kind].Render(blockGlyph))
	}
	if row.Len() > 0 {
		rows = append(rows, row.String())
	}

	status := "Waiting for disk map..."
	if s.Status == StatusLoaded {
		status = fmt.Sprintf("Disk Loaded: %d blocks, %d system, %d used, %d free", len(s.Blocks), s.System, s.Used, s.Free)
	}

	parts := []string{titleStyle.Render("Live Disk Map"), legend(), ""}
	parts = append(parts, rows...)
	parts = append(parts, statusStyle.Render(status))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
