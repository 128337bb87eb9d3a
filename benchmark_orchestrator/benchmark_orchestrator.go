package benchmarkorchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/Octogonapus/IOBenchmark/executor"
)

// JobSpec is one (instance type, trial) unit of work.
type JobSpec struct {
	InstanceType string
	Trial        int // starts at 1
	ImageID      string
}

func (s JobSpec) Name() string {
	return s.InstanceType + "-" + strconv.Itoa(s.Trial)
}

// Jobs enumerates every trial of every instance type, instance types first.
func Jobs(instanceTypes []string, trials int, imageID string) []JobSpec {
	jobs := make([]JobSpec, 0, len(instanceTypes)*max(trials, 0))
	for _, instanceType := range instanceTypes {
		for trial := 1; trial <= trials; trial++ {
			jobs = append(jobs, JobSpec{InstanceType: instanceType, Trial: trial, ImageID: imageID})
		}
	}
	return jobs
}

type JobStatus string

const (
	StatusSucceeded       JobStatus = "succeeded"
	StatusExecutionFailed JobStatus = "execution_failed" // the script ran and exited non-zero
	StatusFailed          JobStatus = "failed"
)

// JobResult is what a finished job reports back to the fleet.
type JobResult struct {
	Spec       JobSpec
	InstanceID string // empty if the instance was never created
	State      State  // last state reached before termination, StateTerminated once the job is over
	FailedIn   State  // state in which the job failed, empty on success
	Status     JobStatus
	Outcome    *executor.Outcome // nil if the script never ran
	Err        error
	Duration   time.Duration
}

// FleetReport holds one result per job, in job enumeration order.
type FleetReport struct {
	Results []*JobResult
}

func (r *FleetReport) Count(status JobStatus) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

func (r *FleetReport) LogSummary() {
	for _, res := range r.Results {
		if res.Status == StatusSucceeded {
			continue
		}
		attrs := []any{
			slog.String("job", res.Spec.Name()),
			slog.String("status", string(res.Status)),
			slog.String("failedIn", string(res.FailedIn)),
		}
		if res.Err != nil {
			attrs = append(attrs, slog.String("error", res.Err.Error()))
		}
		slog.Warn("job did not produce a result", attrs...)
	}
	slog.Info("fleet finished",
		slog.Int("jobs", len(r.Results)),
		slog.Int("succeeded", r.Count(StatusSucceeded)),
		slog.Int("executionFailed", r.Count(StatusExecutionFailed)),
		slog.Int("failed", r.Count(StatusFailed)),
	)
}

// Runs a fleet of benchmark jobs on a platform (e.g. AWS EC2).
type BenchmarkOrchestrator interface {
	// Run every trial of every instance type concurrently and wait for all of them to finish.
	Run(ctx context.Context, instanceTypes []string, trials int, imageID string) *FleetReport
}
