package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/stateflow"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var inputs []string
	var inputFile string
	var key string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a workflow definition to completion",
		Long: "Execute a workflow definition file with the pipeline steps registered.\n" +
			"Input comes from --input-file (a JSON object) and --input key=value pairs.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := stateflow.LoadFile(args[0])
			if err != nil {
				return fmt.Errorf("load definition: %w", err)
			}
			input, err := parseInputs(inputFile, inputs)
			if err != nil {
				return err
			}

			app, err := ctx.openApp(cmd.Context(), def)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			if !jsonOutput {
				color.New(color.FgBlue).Fprintf(out, "Running %s\n", def.Name())
			}
			run, err := app.pipeline.Engine().Execute(cmd.Context(), def.Name(), key, input)
			if run == nil {
				return err
			}
			if jsonOutput {
				if werr := writeJSON(out, run); werr != nil {
					return werr
				}
			} else if perr := printRun(out, run); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if run.Status == stateflow.RunFailed {
				return fmt.Errorf("run %s failed", run.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Input field as key=value (repeatable)")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with the run input")
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key for the run")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the run as JSON")
	return cmd
}

// parseInputs merges the input file with key=value pairs. Values that parse
// as JSON scalars keep their type; anything else is a string.
func parseInputs(file string, pairs []string) (map[string]any, error) {
	input := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("parse input file: %w", err)
		}
	}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}
		input[strings.TrimSpace(name)] = parseValue(value)
	}
	return input, nil
}

func parseValue(value string) any {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return float64(n)
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}
