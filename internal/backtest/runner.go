package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradebot/internal/domain"
	"tradebot/internal/strategy"
)

// ErrDuplicateJob is returned when two jobs share a key.
var ErrDuplicateJob = errors.New("duplicate backtest job")

// ResultSink persists finished results. It is only ever called from the
// runner's writer goroutine.
type ResultSink interface {
	SaveResult(ctx context.Context, r *Result) error
}

// SinkFunc adapts a function to ResultSink.
type SinkFunc func(ctx context.Context, r *Result) error

// SaveResult implements ResultSink.
func (f SinkFunc) SaveResult(ctx context.Context, r *Result) error { return f(ctx, r) }

// Report collects the outcome of a Runner.Run call. Each job key appears in
// exactly one of Results or Errors.
type Report struct {
	Results  map[string]*Result
	Errors   map[string]error
	Duration time.Duration
}

// Sorted returns results ordered by key.
func (r *Report) Sorted() []*Result {
	out := make([]*Result, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Runner executes many backtests in parallel: a producer fills a bounded
// queue, a fixed pool of workers drains it, and a single writer goroutine
// owns the results map and the sink.
type Runner struct {
	engine    *Engine
	workers   int
	queueSize int
	sink      ResultSink
	logger    *slog.Logger
}

// NewRunner creates a Runner. sink may be nil.
func NewRunner(engine *Engine, workers, queueSize int, sink ResultSink, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine:    engine,
		workers:   workers,
		queueSize: queueSize,
		sink:      sink,
		logger:    logger.With("component", "backtest-runner"),
	}
}

type outcome struct {
	key    string
	result *Result
	err    error
}

// Run executes every job. Per-job failures land in Report.Errors and never
// stop other jobs. Cancelling ctx stops new work; jobs that never ran are
// reported with the context error. The returned error is non-nil only for
// invalid input or cancellation.
func (r *Runner) Run(ctx context.Context, jobs []Job) (*Report, error) {
	seen := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		k := j.Key()
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, k)
		}
		seen[k] = struct{}{}
	}

	start := time.Now()
	queue := make(chan Job, r.queueSize)
	outcomes := make(chan outcome, r.queueSize)
	report := &Report{
		Results: make(map[string]*Result, len(jobs)),
		Errors:  make(map[string]error),
	}

	// Writer: the only goroutine touching report and the sink.
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for o := range outcomes {
			if o.err != nil {
				report.Errors[o.key] = o.err
				continue
			}
			if r.sink != nil {
				// Persist even when ctx is cancelled so finished work is kept.
				if err := r.sink.SaveResult(context.WithoutCancel(ctx), o.result); err != nil {
					r.logger.Error("saving backtest result", "key", o.key, "error", err)
					report.Errors[o.key] = fmt.Errorf("saving result: %w", err)
					continue
				}
			}
			report.Results[o.key] = o.result
		}
	}()

	var g errgroup.Group

	// Producer.
	g.Go(func() error {
		defer close(queue)
		for i, j := range jobs {
			select {
			case queue <- j:
			case <-ctx.Done():
				for _, skipped := range jobs[i:] {
					outcomes <- outcome{key: skipped.Key(), err: ctx.Err()}
				}
				return nil
			}
		}
		return nil
	})

	for w := 0; w < r.workers; w++ {
		g.Go(func() error {
			for j := range queue {
				if err := ctx.Err(); err != nil {
					outcomes <- outcome{key: j.Key(), err: err}
					continue
				}
				res, err := r.run(ctx, j)
				outcomes <- outcome{key: j.Key(), result: res, err: err}
			}
			return nil
		})
	}

	_ = g.Wait()
	close(outcomes)
	writer.Wait()

	report.Duration = time.Since(start)
	r.logger.Info("backtest batch finished",
		"jobs", len(jobs), "ok", len(report.Results), "failed", len(report.Errors),
		"duration", report.Duration.String())
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// run isolates a single job so a panicking strategy fails only its own job.
func (r *Runner) run(ctx context.Context, j Job) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("strategy %s panicked on %s: %v", j.Strategy, j.Instrument.Symbol, p)
		}
	}()
	return r.engine.Run(ctx, j)
}

// StrategySpec names a strategy and its parameter overrides.
type StrategySpec struct {
	Name   string          `yaml:"name" json:"name"`
	Params strategy.Params `yaml:"params" json:"params,omitempty"`
}

// Grid builds the cross product of instruments and strategies. Instruments
// without bars are skipped.
func Grid(instruments []domain.Instrument, specs []StrategySpec, bars map[string][]domain.Bar) []Job {
	jobs := make([]Job, 0, len(instruments)*len(specs))
	for _, inst := range instruments {
		series := bars[inst.Symbol]
		if len(series) == 0 {
			continue
		}
		for _, spec := range specs {
			jobs = append(jobs, Job{
				Instrument: inst,
				Strategy:   spec.Name,
				Params:     spec.Params,
				Bars:       series,
			})
		}
	}
	return jobs
}
