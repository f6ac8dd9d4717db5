package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/stateflow"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var status, definition string
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stateflow.RunFilter{
				Status:       stateflow.RunStatus(status),
				DefinitionID: definition,
				Limit:        limit,
			}
			app, err := ctx.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			runs, err := app.pipeline.Engine().List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			summaries := make([]*stateflow.RunSummary, 0, len(runs))
			for _, run := range runs {
				summaries = append(summaries, run.Summary())
			}
			if jsonOutput {
				return writeJSON(out, summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No runs found")
				return nil
			}
			rows := make([][]string, 0, len(summaries))
			for _, s := range summaries {
				rows = append(rows, []string{
					s.ID,
					s.DefinitionID,
					s.Key,
					formatStatus(s.Status),
					s.CurrentState,
					formatTime(s.StartTime),
					formatDuration(s.Duration),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Run", "Definition", "Key", "Status", "State", "Started", "Duration"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status (running, waiting, succeeded, failed)")
	cmd.Flags().StringVar(&definition, "definition", "", "Only runs of this definition")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum runs to show; 0 for all")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print summaries as JSON")
	return cmd
}
