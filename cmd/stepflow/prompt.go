package main

import (
	"fmt"

	"github.com/ZanzyTHEbar/stepflow"
	"github.com/ZanzyTHEbar/stepflow/internal/prompt"
	"github.com/spf13/cobra"
)

func newPromptCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prompt [query]",
		Short: "Print the planner prompt a model-backed planner would receive",
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

			out, err := prompt.NewRegistry().RenderPlanner(stepflow.PlannerInput{
				Query:       query,
				ToolSchemas: c.registry.Schemas(),
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
