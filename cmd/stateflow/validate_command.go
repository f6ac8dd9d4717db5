package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/stateflow"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "validate FILE...",
		Short:       "Check workflow definition files",
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			invalid := 0
			for _, path := range args {
				def, err := stateflow.LoadFile(path)
				if err != nil {
					invalid++
					color.New(color.FgRed).Fprintf(out, "✗ %s\n", path)
					fmt.Fprintf(out, "  %v\n", err)
					continue
				}
				color.New(color.FgGreen).Fprintf(out, "✓ %s", path)
				fmt.Fprintf(out, " (%s, %d states, start %s)\n", def.Name(), len(def.StateNames()), def.StartAt())
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions invalid", invalid, len(args))
			}
			return nil
		},
	}
}
