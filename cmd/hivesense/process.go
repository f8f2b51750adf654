package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/hivesense/pkg/hive"
	sampleio "github.com/hed1ad/hivesense/pkg/io"
)

func newProcessCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process FILE...",
		Short: "Process sample uploads and print their results as JSON",
		Long: "Process decodes each upload file, runs it through the pipeline and prints\n" +
			"one JSON result per line. The file name stands in for the upload key, so\n" +
			"device id and timestamp may come from a name like HIVE-0042_20240501_143000_000000.json.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			enc := json.NewEncoder(cmd.OutOrStdout())
			failed := 0
			for _, path := range args {
				res, err := processFile(cmd, a, path)
				if err != nil {
					failed++
					a.logger.Error("sample failed", zap.String("file", path), zap.Error(err))
				}
				if res != nil {
					if err := enc.Encode(res); err != nil {
						return err
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d samples failed", failed, len(args))
			}
			return nil
		},
	}
}

func processFile(cmd *cobra.Command, a *app, path string) (*hive.Result, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sample, err := sampleio.Decode(filepath.Base(path), body)
	if err != nil {
		return nil, err
	}
	return a.proc.Process(cmd.Context(), sample)
}
