package issuer

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// ReceiptWidth is the character width of 58mm thermal paper.
const ReceiptWidth = 32

type Receipt struct {
	TokenID        int64
	TokenNumber    int
	DepartmentName string
	DivisionName   string
	OfficeName     string
	IssuedAt       time.Time
}

// Number is the zero-padded ticket number printed on the slip.
func (r Receipt) Number() string {
	return fmt.Sprintf("%03d", r.TokenNumber)
}

var (
	centered = lipgloss.NewStyle().Width(ReceiptWidth).Align(lipgloss.Center)
	left     = lipgloss.NewStyle().Width(ReceiptWidth).Align(lipgloss.Left)
)

// Format lays the receipt out as plain text, one slip per call.
func (r Receipt) Format() string {
	rule := strings.Repeat("=", ReceiptWidth)
	thin := strings.Repeat("-", ReceiptWidth)

	lines := []string{rule}
	if r.OfficeName != "" {
		lines = append(lines, centered.Render(strings.ToUpper(r.OfficeName)))
	}
	lines = append(lines,
		thin,
		left.Render("Department: "+r.DepartmentName),
		left.Render("Division: "+r.DivisionName),
		thin,
		centered.Render("TOKEN NO: "+r.Number()),
		thin,
		left.Render(fmt.Sprintf("Date: %s  Time: %s", r.IssuedAt.Format("2006-01-02"), r.IssuedAt.Format("15:04"))),
		centered.Render("Please wait until your number is called"),
		rule,
	)
	return strings.Join(lines, "\n") + "\n"
}
