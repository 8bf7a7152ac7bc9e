package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ZanzyTHEbar/stepflow"
	"github.com/ZanzyTHEbar/stepflow/internal/executor"
	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate PLAN_FILE...",
		Short: "Check plan files and print the waves they would run in",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs []error
			for _, path := range args {
				plan, err := executor.LoadAndValidatePlan(path)
				if err != nil {
					a.logger.Error("invalid plan", "file", path, "error", err)
					errs = append(errs, err)
					continue
				}
				waves, err := executor.Waves(plan)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				printWaves(cmd.OutOrStdout(), path, plan, waves)
			}
			return errors.Join(errs...)
		},
	}
}

func printWaves(w io.Writer, path string, plan *stepflow.Plan, waves [][]int) {
	fmt.Fprintf(w, "%s: %d steps in %d waves\n", path, len(plan.Steps), len(waves))
	for i, wave := range waves {
		names := make([]string, len(wave))
		for j, idx := range wave {
			names[j] = fmt.Sprintf("%d:%s", idx, plan.Steps[idx].Tool)
		}
		fmt.Fprintf(w, "  wave %d: %s\n", i, strings.Join(names, ", "))
	}
}
