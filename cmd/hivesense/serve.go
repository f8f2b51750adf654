package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/hivesense/pkg/classifiers/model"
	sampleio "github.com/hed1ad/hivesense/pkg/io"
	s3src "github.com/hed1ad/hivesense/pkg/io/s3"
	"github.com/hed1ad/hivesense/pkg/processor"
	"github.com/hed1ad/hivesense/pkg/server"
)

type serveOptions struct {
	consumeS3   bool
	consumeAMQP bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and consume configured upload sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.consumeS3, "s3", false, "poll sources.s3.bucket for uploads")
	cmd.Flags().BoolVar(&opts.consumeAMQP, "amqp", false, "consume sources.amqp.queue")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var sources []sampleio.Source
	if opts.consumeS3 {
		if a.cfg.Sources.S3.Bucket == "" {
			return fmt.Errorf("--s3 needs sources.s3.bucket")
		}
		client, err := a.s3(ctx)
		if err != nil {
			return err
		}
		src, err := s3src.NewSource(a.cfg.Sources.S3, client, a.logger.Named("s3"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, src.Close)
		sources = append(sources, src)
	}
	if opts.consumeAMQP {
		src, err := a.amqpSource()
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	srv := server.New(server.Config{
		Addr:         a.cfg.Server.Addr,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		MaxBodyBytes: a.cfg.Server.MaxBodyBytes,
	}, a.proc, a.store, a.store,
		server.WithGatherer(a.registry),
		server.WithLogger(a.logger.Named("http")),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if h, ok := a.classifier.(*model.Holder); ok && a.cfg.Classifier.Watch {
		g.Go(func() error {
			return h.Watch(gctx, a.cfg.Classifier.ModelPath)
		})
	}

	for _, src := range sources {
		src := src
		runner := processor.NewRunner(a.proc,
			processor.WithWorkers(a.cfg.Sources.Workers),
			processor.WithRunnerLogger(a.logger.Named("runner")),
		)
		g.Go(func() error {
			_, err := runner.Run(gctx, src)
			return err
		})
	}

	a.logger.Info("hivesense started",
		zap.String("addr", a.cfg.Server.Addr),
		zap.String("classifier", a.classifier.Name()),
		zap.String("storage", a.cfg.Storage.Driver),
		zap.Int("sources", len(sources)))

	return g.Wait()
}
