package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/hivesense/pkg/hive"
	sampleio "github.com/hed1ad/hivesense/pkg/io"
)

// Summary counts how deliveries were handled by a run.
type Summary struct {
	Processed int64
	Rejected  int64
	Failed    int64
	Alerts    int64
}

// Runner feeds deliveries from a source through a processor with a fixed
// number of workers.
type Runner struct {
	proc    *Processor
	workers int
	writer  sampleio.Writer
	logger  *zap.Logger

	processed atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
	alerts    atomic.Int64
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithWriter copies every result to w.
func WithWriter(w sampleio.Writer) RunnerOption {
	return func(r *Runner) {
		r.writer = w
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runner.
func NewRunner(proc *Processor, opts ...RunnerOption) *Runner {
	r := &Runner{
		proc:    proc,
		workers: 4,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes src until it is drained or ctx is done. Deliveries in flight
// when ctx is cancelled are requeued.
func (r *Runner) Run(ctx context.Context, src sampleio.Source) (Summary, error) {
	deliveries, err := src.Stream(ctx)
	if err != nil {
		return r.Summary(), err
	}

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				r.handle(ctx, d)
			}
		}()
	}
	wg.Wait()

	r.logger.Info("source drained",
		zap.Int64("processed", r.processed.Load()),
		zap.Int64("rejected", r.rejected.Load()),
		zap.Int64("failed", r.failed.Load()),
		zap.Int64("alerts", r.alerts.Load()))

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return r.Summary(), err
	}
	return r.Summary(), nil
}

// Summary returns the counts so far.
func (r *Runner) Summary() Summary {
	return Summary{
		Processed: r.processed.Load(),
		Rejected:  r.rejected.Load(),
		Failed:    r.failed.Load(),
		Alerts:    r.alerts.Load(),
	}
}

func (r *Runner) handle(ctx context.Context, d sampleio.Delivery) {
	log := r.logger.With(zap.String("delivery", d.Key))

	sample, err := sampleio.Decode(d.Key, d.Body)
	if err != nil {
		log.Warn("undecodable payload", zap.Error(err))
		r.rejected.Add(1)
		if deviceID, ts, ok := sampleio.ParseKey(d.Key); ok {
			res, _ := r.proc.Reject(ctx, hive.SensorSample{DeviceID: deviceID, Timestamp: ts}, err)
			r.write(log, res)
		}
		r.settle(ctx, d, sampleio.Reject)
		return
	}

	res, err := r.proc.Process(ctx, sample)
	switch {
	case err == nil:
		r.processed.Add(1)
		if res.AlertEmitted {
			r.alerts.Add(1)
		}
	case hive.IsPermanent(err):
		r.rejected.Add(1)
	default:
		r.failed.Add(1)
	}

	r.write(log, res)
	r.settle(ctx, d, r.disposition(err))
}

func (r *Runner) write(log *zap.Logger, res *hive.Result) {
	if res == nil || r.writer == nil {
		return
	}
	if err := r.writer.Write(res); err != nil {
		log.Error("write result", zap.Error(err))
	}
}

func (r *Runner) disposition(err error) sampleio.Disposition {
	switch {
	case err == nil, hive.IsPermanent(err), errors.Is(err, ErrDeadLettered):
		return sampleio.Ack
	default:
		return sampleio.Requeue
	}
}

func (r *Runner) settle(ctx context.Context, d sampleio.Delivery, disp sampleio.Disposition) {
	// Settling must outlive a cancelled run so requeues reach the source.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := d.Settle(sctx, disp); err != nil {
		r.logger.Error("settle delivery",
			zap.String("delivery", d.Key),
			zap.Stringer("disposition", disp),
			zap.Error(err))
	}
}
