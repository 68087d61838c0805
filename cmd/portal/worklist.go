package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"qms/token-portal/internal/display"
	"qms/token-portal/internal/models"
	"qms/token-portal/internal/worklist"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"
)

var (
	headerCell  = lipgloss.NewStyle().Bold(true).Underline(true)
	pendingCell = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorCell   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	columnWidth = []int{7, 8, 24, 22, 40}
)

// portal worklist [list|advance|cancel] [flags]
func runWorklist(ctx context.Context, a *app, args []string) error {
	action := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		action, args = args[0], args[1:]
	}

	var departmentID, divisionID, tokenID int64
	var status string
	flags := pflag.NewFlagSet("worklist "+action, pflag.ContinueOnError)
	flags.Int64Var(&departmentID, "department", 0, "limit to a department")
	flags.Int64Var(&divisionID, "division", 0, "limit to a division")
	flags.Int64Var(&tokenID, "token", 0, "ticket id (advance, cancel)")
	flags.StringVar(&status, "status", models.StatusCalled, "target status (advance)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	wl := worklist.New(a.api, worklist.Scope{DepartmentID: departmentID, DivisionID: divisionID})
	if err := wl.Load(ctx); err != nil {
		return err
	}

	switch action {
	case "list":
	case "advance", "cancel":
		if err := a.requireSession(); err != nil {
			return err
		}
		if tokenID <= 0 {
			return errors.New("--token is required")
		}
		var err error
		if action == "cancel" {
			_, err = wl.Cancel(ctx, tokenID)
		} else {
			_, err = wl.Advance(ctx, tokenID, status)
		}
		if err != nil {
			fmt.Fprint(a.out, renderWorklist(wl.Entries()))
			return err
		}
	default:
		return fmt.Errorf("unknown worklist action %q (want list, advance or cancel)", action)
	}

	fmt.Fprint(a.out, renderWorklist(wl.Entries()))
	return nil
}

func renderWorklist(entries []worklist.Entry) string {
	if len(entries) == 0 {
		return "No tickets today.\n"
	}
	rows := []string{row(headerCell, "ID", "TOKEN", "DIVISION", "STATUS", "ACTIONS")}
	for _, entry := range entries {
		token := entry.Token
		status := token.Status
		style := lipgloss.NewStyle()
		switch {
		case entry.IsPending():
			status += " -> " + entry.Pending
			style = pendingCell
		case entry.LastError != nil:
			style = errorCell
		}
		var actions []string
		for _, action := range worklist.Actions(token.Status) {
			actions = append(actions, action.Label+"("+action.Target+")")
		}
		rows = append(rows, row(style,
			strconv.FormatInt(token.TokenID, 10),
			display.TokenLabel(token.TokenNumber),
			token.DivisionName,
			status,
			strings.Join(actions, " "),
		))
	}
	return strings.Join(rows, "\n") + "\n"
}

func row(style lipgloss.Style, cells ...string) string {
	rendered := make([]string, len(cells))
	for i, cell := range cells {
		rendered[i] = style.Width(columnWidth[i]).MaxHeight(1).Render(cell)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}
