package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hed1ad/hivesense/pkg/io/csv"
	"github.com/hed1ad/hivesense/pkg/io/file"
	"github.com/hed1ad/hivesense/pkg/processor"
)

type replayOptions struct {
	pattern string
	out     string
	workers int
}

func newReplayCommand(root *rootOptions) *cobra.Command {
	opts := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay DIR",
		Short: "Replay a directory of archived uploads through the pipeline",
		Long: "Replay processes every matching upload in DIR in name order. Results go\n" +
			"to a CSV file; samples already recorded in the configured store are\n" +
			"reported without being applied twice.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			src, err := file.New(args[0], file.WithPattern(opts.pattern), file.WithLogger(a.logger.Named("file")))
			if err != nil {
				return err
			}

			var out io.Writer = struct{ io.Writer }{cmd.OutOrStdout()}
			if opts.out != "-" {
				f, err := os.Create(opts.out)
				if err != nil {
					return err
				}
				out = f
			}
			w := csv.NewWriter(out)
			defer func() { _ = w.Close() }()

			workers := opts.workers
			if workers == 0 {
				workers = a.cfg.Sources.Workers
			}
			runner := processor.NewRunner(a.proc,
				processor.WithWorkers(workers),
				processor.WithWriter(w),
				processor.WithRunnerLogger(a.logger.Named("replay")),
			)

			sum, err := runner.Run(ctx, src)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "processed=%d rejected=%d failed=%d alerts=%d\n",
				sum.Processed, sum.Rejected, sum.Failed, sum.Alerts)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.pattern, "pattern", "*.json", "glob for upload file names")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "-", "CSV output file, - for stdout")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "concurrent workers (default sources.workers)")
	return cmd
}
