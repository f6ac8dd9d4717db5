package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/stateflow"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var bucket, key, etag string

	cmd := &cobra.Command{
		Use:   "ingest [EVENT_FILE|-]",
		Short: "Start ingest runs for a storage event",
		Long: "Start one ingest run per created object in a storage notification.\n" +
			"The event is read from EVENT_FILE, from stdin with -, or built from --bucket and --key.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readEvent(cmd, args, bucket, key, etag)
			if err != nil {
				return err
			}

			app, err := ctx.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			results, err := app.pipeline.Ingest(cmd.Context(), payload)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(results))
			var failures []error
			for _, result := range results {
				row := []string{result.Key, "", "", ""}
				switch {
				case result.Duplicate:
					row[1] = result.ExistingRunID
					row[2] = "duplicate"
				case result.Run != nil:
					row[1] = result.Run.ID
					row[2] = formatStatus(result.Run.Status)
					if result.Run.Status == stateflow.RunFailed {
						failures = append(failures, fmt.Errorf("%s: run %s failed", result.Key, result.Run.ID))
					}
				}
				if result.Err != nil {
					row[3] = result.Err.Error()
					failures = append(failures, fmt.Errorf("%s: %w", result.Key, result.Err))
				}
				rows = append(rows, row)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Key", "Run", "Status", "Error"}, rows, nil))
			return errors.Join(failures...)
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "Source bucket")
	cmd.Flags().StringVar(&key, "key", "", "Source object key")
	cmd.Flags().StringVar(&etag, "etag", "", "Source object version tag")
	return cmd
}

func readEvent(cmd *cobra.Command, args []string, bucket, key, etag string) ([]byte, error) {
	if len(args) == 0 {
		if bucket == "" || key == "" {
			return nil, errors.New("provide an event file or --bucket and --key")
		}
		return json.Marshal(map[string]string{"bucket": bucket, "key": key, "etag": etag})
	}
	if args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	return data, nil
}
