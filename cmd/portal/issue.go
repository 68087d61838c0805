package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"qms/token-portal/internal/issuer"

	"github.com/spf13/pflag"
)

func runIssue(ctx context.Context, a *app, args []string) error {
	var departmentID, divisionID int64
	var device string
	var list bool
	flags := pflag.NewFlagSet("issue", pflag.ContinueOnError)
	flags.Int64Var(&departmentID, "department", 0, "department id")
	flags.Int64Var(&divisionID, "division", 0, "division id")
	flags.StringVar(&device, "printer", a.cfg.PrinterDevice, "thermal printer device (empty prints to stdout)")
	flags.BoolVar(&list, "list", false, "list departments and divisions and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var printer issuer.Printer = &issuer.WriterPrinter{W: a.out}
	if device != "" {
		printer = issuer.DevicePrinter{Path: device}
	}
	iss := issuer.New(a.api, printer, issuer.Options{OfficeName: a.cfg.OfficeName})
	if err := iss.Refresh(ctx); err != nil {
		return err
	}

	if list {
		printOrganization(a, iss)
		return nil
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	receipt, err := iss.Generate(ctx, departmentID, divisionID)
	var issErr *issuer.IssuanceError
	if errors.As(err, &issErr) && issErr.Kind == issuer.KindPrint {
		fmt.Fprintf(a.out, "Token %s issued (id %d) but the receipt could not be printed: %v\n", receipt.Number(), receipt.TokenID, issErr.Err)
		return nil
	}
	if err != nil {
		if errors.As(err, &issErr) && issErr.Kind == issuer.KindTransport {
			fmt.Fprintln(a.out, "The token service did not answer. Resubmit the same department and division; the ticket will not be duplicated.")
		}
		return err
	}
	if device != "" {
		fmt.Fprintf(a.out, "Token %s issued (id %d), sent to %s\n", receipt.Number(), receipt.TokenID, device)
	}
	return nil
}

func printOrganization(a *app, iss *issuer.Issuer) {
	departments := iss.Departments()
	sort.Slice(departments, func(i, j int) bool { return departments[i].DepartmentID < departments[j].DepartmentID })
	if len(departments) == 0 {
		fmt.Fprintln(a.out, "No departments available.")
		return
	}
	for _, department := range departments {
		state := ""
		if !department.Active {
			state = " (inactive)"
		}
		fmt.Fprintf(a.out, "%d  %s%s\n", department.DepartmentID, department.Name, state)
		divisions := iss.Divisions(department.DepartmentID)
		sort.Slice(divisions, func(i, j int) bool { return divisions[i].DivisionID < divisions[j].DivisionID })
		for _, division := range divisions {
			state := ""
			if !division.Active {
				state = " (inactive)"
			}
			fmt.Fprintf(a.out, "    %d  %s%s\n", division.DivisionID, division.Name, state)
		}
	}
}
