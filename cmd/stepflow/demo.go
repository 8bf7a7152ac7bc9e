package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ZanzyTHEbar/stepflow"
	"github.com/ZanzyTHEbar/stepflow/internal/adapters"
	"github.com/spf13/cobra"
)

const demoQuery = "How much pending freight sits in Berlin facilities?"

// demoPlan fans facility IDs into one shipments call, then scales the first
// pending weight only if exactly one pending shipment came back.
func demoPlan() *stepflow.Plan {
	plan := stepflow.NewPlan("",
		stepflow.Step{Tool: "facilities_list", Params: map[string]stepflow.Value{
			"city": stepflow.String("Berlin"),
		}},
		stepflow.Step{Tool: "shipments_list", Params: map[string]stepflow.Value{
			"facility_ids": stepflow.String("${step[0].data.*.id}"),
			"status":       stepflow.String("pending"),
		}},
		stepflow.Step{
			Tool: "calculate",
			Params: map[string]stepflow.Value{
				"expression": stepflow.String("kg / 1000"),
				"vars": stepflow.Map(map[string]stepflow.Value{
					"kg": stepflow.String("${step[1].data[0].weight_kg}"),
				}),
			},
			When: "len(${step[1].data}) == 1",
		},
		stepflow.Step{Tool: "search", Params: map[string]stepflow.Value{
			"query": stepflow.String("Berlin freight capacity"),
		}},
	)
	return plan
}

func newDemoCmd(a *app) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "demo [query]",
		Short: "Process a query end to end against the built-in logistics tools",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := demoQuery
			if len(args) == 1 {
				query = args[0]
			}

			c, err := buildComponents(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer c.Close()

			store, err := c.planCache(a.cfg, a.logger)
			if err != nil {
				return err
			}
			planner := adapters.NewFlowPlannerAdapter(adapters.PlannerFlow(adapters.StaticPlanner{Plan: demoPlan()}), store, a.logger)
			rt, err := c.runtime(a.cfg, a.logger, planner, adapters.SummarySolver{})
			if err != nil {
				return err
			}

			var answer string
			if async {
				id, err := rt.ProcessAsync(cmd.Context(), query)
				if err != nil {
					return err
				}
				a.logger.Info("waiting for async execution", "execution_id", id)
				answer, err = rt.WaitAsync(cmd.Context(), id)
				if err != nil {
					return err
				}
			} else {
				answer, err = rt.Process(cmd.Context(), query)
				if err != nil {
					return err
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "run through the async API and wait for the result")
	return cmd
}

func newToolsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the built-in tools and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := buildComponents(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			schemas := c.registry.Schemas()
			for _, name := range c.registry.Names() {
				schema := schemas[name]
				fmt.Fprintf(out, "%s: %v\n", name, schema["description"])
				params, _ := schema["parameters"].(map[string]string)
				keys := make([]string, 0, len(params))
				for k := range params {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "  %s%s\n", padRight(k, 14), params[k])
				}
			}
			return nil
		},
	}
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s + " "
	}
	return s + strings.Repeat(" ", n-len(s))
}
