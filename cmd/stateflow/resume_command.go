package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Drive interrupted runs to completion",
		Long: "Resume every running run whose lease is free or expired, then finish\n" +
			"encode joins whose publish action was interrupted. Use after a crash or\n" +
			"restart; runs held by a live worker are left alone.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			resumed, resumeErr := app.pipeline.Engine().Resume(cmd.Context())
			reconciled, joinErr := app.pipeline.ReconcileJoins(cmd.Context(), time.Now())
			err = errors.Join(resumeErr, joinErr)
			out := cmd.OutOrStdout()
			if resumed == 0 && reconciled == 0 && err == nil {
				fmt.Fprintln(out, "No runs to resume")
				return nil
			}
			green := color.New(color.FgGreen)
			green.Fprintf(out, "Resumed %d run(s)\n", resumed)
			if reconciled > 0 {
				green.Fprintf(out, "Completed %d encode join(s)\n", reconciled)
			}
			return err
		},
	}
}
