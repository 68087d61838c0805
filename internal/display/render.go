package display

import (
	"fmt"
	"strings"
	"time"

	"qms/token-portal/internal/models"

	"github.com/charmbracelet/lipgloss"
)

type RenderOptions struct {
	Title   string
	Width   int
	Columns int
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("24")).Padding(0, 1)
	cardStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("39")).Padding(0, 1)
	headingStyle = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	servingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	calledStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("226"))
	bannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("160")).Padding(0, 1)
)

// Render draws the board for a terminal or TV attached to a console.
func Render(state State, opts RenderOptions) string {
	width := opts.Width
	if width <= 0 {
		width = 120
	}
	columns := opts.Columns
	if columns <= 0 {
		columns = 3
	}
	cardWidth := width/columns - 4
	if cardWidth < 24 {
		cardWidth = 24
	}

	var sections []string
	title := opts.Title
	if title == "" {
		title = "NOW SERVING"
	}
	sections = append(sections, titleStyle.Width(width).Render(title))
	if state.Error != "" {
		sections = append(sections, bannerStyle.Width(width).Render(state.Error))
	}

	if len(state.Groups) == 0 {
		sections = append(sections, subtleStyle.Render("No tokens issued yet today."))
	}
	for start := 0; start < len(state.Groups); start += columns {
		end := start + columns
		if end > len(state.Groups) {
			end = len(state.Groups)
		}
		cards := make([]string, 0, end-start)
		for _, group := range state.Groups[start:end] {
			cards = append(cards, cardStyle.Width(cardWidth).Render(renderGroup(group)))
		}
		sections = append(sections, lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	}

	sections = append(sections, subtleStyle.Render(lastUpdatedLine(state.LastUpdated)))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderGroup(group Group) string {
	lines := []string{
		headingStyle.Render(group.DivisionName),
		subtleStyle.Render(group.DepartmentName),
		"",
	}
	switch {
	case group.Current == nil:
		lines = append(lines, "Now serving: ---")
	case group.Current.Status == models.StatusServing:
		lines = append(lines, "Now serving: "+servingStyle.Render(TokenLabel(group.Current.TokenNumber)))
	default:
		lines = append(lines, "Called: "+calledStyle.Render(TokenLabel(group.Current.TokenNumber)))
	}

	waiting := make([]string, 0, len(group.Waiting))
	for _, token := range group.Waiting {
		waiting = append(waiting, TokenLabel(token.TokenNumber))
	}
	next := "Next: -"
	if len(waiting) > 0 {
		next = "Next: " + strings.Join(waiting, " ")
	}
	if group.More > 0 {
		next += fmt.Sprintf(" +%d more", group.More)
	}
	lines = append(lines, next)
	return strings.Join(lines, "\n")
}

// TokenLabel is the three-digit form used on receipts and screens.
func TokenLabel(number int) string {
	return fmt.Sprintf("%03d", number)
}

func lastUpdatedLine(t time.Time) string {
	if t.IsZero() {
		return "Waiting for first update..."
	}
	return "Last updated " + t.Format("15:04:05")
}
