package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newExpireJoinsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "expire-joins",
		Short: "Fail encode joins whose deadline passed",
		Long: "Mark pending encode joins past their deadline as timed out and fail the\n" +
			"ingest runs waiting for them. Schedule this when pipeline.async is on.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			expired, err := app.pipeline.ExpireJoins(cmd.Context(), time.Now())
			out := cmd.OutOrStdout()
			if len(expired) == 0 {
				if err == nil {
					fmt.Fprintln(out, "No overdue joins")
				}
				return err
			}
			rows := make([][]string, 0, len(expired))
			for _, e := range expired {
				rows = append(rows, []string{e.JoinID, strings.Join(e.Missing, ", ")})
			}
			fmt.Fprintln(out, renderTable([]string{"Join", "Missing"}, rows, nil))
			return err
		},
	}
}
