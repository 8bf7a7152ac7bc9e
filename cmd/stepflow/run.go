package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ZanzyTHEbar/stepflow"
	"github.com/ZanzyTHEbar/stepflow/internal/executor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// planReport is the printed outcome of one plan file.
type planReport struct {
	File    string                `json:"file" yaml:"file"`
	Steps   int                   `json:"steps" yaml:"steps"`
	Failed  int                   `json:"failed" yaml:"failed"`
	Results []stepflow.StepResult `json:"results" yaml:"results"`
}

func newRunCmd(a *app) *cobra.Command {
	var (
		output      string
		parallel    int
		failOnSteps bool
	)
	cmd := &cobra.Command{
		Use:   "run PLAN_FILE...",
		Short: "Execute plan files and print every step result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "json" && output != "yaml" {
				return fmt.Errorf("unknown output format %q (want json or yaml)", output)
			}
			c, err := buildComponents(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer c.Close()
			rt, err := c.runtime(a.cfg, a.logger, nil, nil)
			if err != nil {
				return err
			}

			reports := make([]planReport, len(args))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(parallel)
			for i, path := range args {
				g.Go(func() error {
					plan, err := executor.LoadAndValidatePlan(path)
					if err != nil {
						return err
					}
					results, err := rt.ExecutePlan(ctx, plan)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					reports[i] = newPlanReport(path, results)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			m := c.executor.GetMetrics()
			a.logger.Info("plans executed", "plans", m.PlansExecuted, "steps", m.StepsExecuted,
				"failed", m.StepsFailed, "waves", m.Waves, "duration", m.TotalDuration)

			if err := writeReports(cmd.OutOrStdout(), output, reports); err != nil {
				return err
			}
			if failOnSteps {
				for _, r := range reports {
					if r.Failed > 0 {
						return fmt.Errorf("%s: %d of %d steps failed", r.File, r.Failed, r.Steps)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "plan files executed at once")
	cmd.Flags().BoolVar(&failOnSteps, "fail-on-step-error", false, "exit non-zero when any step fails")
	return cmd
}

func newPlanReport(path string, results []stepflow.StepResult) planReport {
	r := planReport{File: path, Steps: len(results), Results: results}
	for _, res := range results {
		if !res.Success {
			r.Failed++
		}
	}
	return r
}

func writeReports(w io.Writer, format string, reports []planReport) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(reports); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
}
