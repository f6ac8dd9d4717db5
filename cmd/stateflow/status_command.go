package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/stateflow"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var key string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Show a run and its state history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (key == "") {
				return errors.New("provide either a run id or --key")
			}
			app, err := ctx.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			engine := app.pipeline.Engine()
			var run *stateflow.Run
			if key != "" {
				run, err = engine.GetByKey(cmd.Context(), key)
			} else {
				run, err = engine.Get(cmd.Context(), args[0])
			}
			if errors.Is(err, stateflow.ErrRunNotFound) {
				if key != "" {
					return fmt.Errorf("no run for key %q", key)
				}
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), run)
			}
			return printRun(cmd.OutOrStdout(), run)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Look up the newest run for an idempotency key")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the run as JSON")
	return cmd
}
