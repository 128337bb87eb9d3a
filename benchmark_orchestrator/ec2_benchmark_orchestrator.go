package benchmarkorchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alitto/pond"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"
)

const DefaultStartInterval = 1 * time.Second

// JobRunner runs one job to completion. Lifecycle implements it.
type JobRunner interface {
	Run(ctx context.Context, spec JobSpec) *JobResult
}

type FleetInput struct {
	Jobs          JobRunner
	StartInterval time.Duration // delay between two job starts, DefaultStartInterval if zero, no delay if negative
	Concurrency   int           // how many jobs can run at once, one worker per job by default
	Progress      io.Writer     // where to draw a progress bar, none if nil
}

type fleet struct {
	input *FleetInput
}

func NewFleet(input *FleetInput) BenchmarkOrchestrator {
	in := *input
	if in.StartInterval == 0 {
		in.StartInterval = DefaultStartInterval
	}
	return &fleet{input: &in}
}

func (f *fleet) Run(ctx context.Context, instanceTypes []string, trials int, imageID string) *FleetReport {
	return f.runJobs(ctx, Jobs(instanceTypes, trials, imageID))
}

// runJobs starts the jobs in order, spaced by the start interval, and blocks until every started
// job has returned. A failed job never stops the others.
func (f *fleet) runJobs(ctx context.Context, jobs []JobSpec) *FleetReport {
	rep := &FleetReport{Results: make([]*JobResult, len(jobs))}
	if len(jobs) == 0 {
		return rep
	}

	concurrency := f.input.Concurrency
	if concurrency <= 0 {
		concurrency = len(jobs)
	}
	pool := pond.New(concurrency, len(jobs), pond.MinWorkers(concurrency))

	limit := rate.Inf
	if f.input.StartInterval > 0 {
		limit = rate.Every(f.input.StartInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	var bar *progressbar.ProgressBar
	if f.input.Progress != nil {
		bar = progressbar.NewOptions(len(jobs),
			progressbar.OptionSetWriter(f.input.Progress),
			progressbar.OptionSetDescription("Running jobs:"),
			progressbar.OptionShowCount(),
		)
	} else {
		bar = progressbar.DefaultSilent(int64(len(jobs)))
	}

	for i, spec := range jobs {
		err := limiter.Wait(ctx)
		if err != nil {
			slog.Error("job was never started", slog.String("job", spec.Name()), slog.String("error", err.Error()))
			rep.Results[i] = &JobResult{
				Spec:   spec,
				State:  StateTerminated,
				Status: StatusFailed,
				Err:    fmt.Errorf("job was never started: %w", err),
			}
			continue
		}

		slog.Debug("starting job", slog.String("job", spec.Name()))
		pool.Submit(func() {
			defer bar.Add(1)
			defer func() {
				if r := recover(); r != nil {
					slog.Error("job runner panicked", slog.String("job", spec.Name()), slog.Any("panic", r))
					rep.Results[i] = &JobResult{
						Spec:   spec,
						State:  StateTerminated,
						Status: StatusFailed,
						Err:    fmt.Errorf("job runner panicked: %v", r),
					}
				}
			}()
			rep.Results[i] = f.input.Jobs.Run(ctx, spec)
		})
	}
	pool.StopAndWait()
	bar.Finish()

	return rep
}
