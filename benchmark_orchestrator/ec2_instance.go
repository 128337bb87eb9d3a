package benchmarkorchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Octogonapus/IOBenchmark/executor"
	"github.com/Octogonapus/IOBenchmark/retry"
	"github.com/Octogonapus/IOBenchmark/target"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

const (
	TagRunID        = "iobench:run-id"
	TagInstanceType = "iobench:instance-type"
	TagTrial        = "iobench:trial"
)

type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Connector opens a channel to a booting instance. target.Establisher implements it.
type Connector interface {
	Connect(ctx context.Context, address string) (target.Target, error)
}

// Runner runs the benchmark over an open channel and collects its artifacts. executor.Executor implements it.
type Runner interface {
	Reset(instanceType string, trial int) error
	Run(t target.Target) (int, error)
	Collect(t target.Target, instanceType string, trial int, status int) (*executor.Outcome, error)
}

type LifecycleInput struct {
	EC2              EC2API
	Connector        Connector
	Runner           Runner
	KeyName          string
	SubnetID         string
	SecurityGroupIDs []string
	RunID            string // tagged onto every instance

	BootTimeout        time.Duration // how long to wait for the running state, 10 minutes by default
	AddressAttempts    int           // how many times to look for a public address after boot, 10 by default
	AddressInterval    time.Duration // 3 seconds by default
	WaitForTermination bool          // wait until the instance is terminated before ending the job
	TerminationTimeout time.Duration // bounds the termination request and wait, 10 minutes by default
}

// Lifecycle owns one instance per job: create it, wait for it to boot, run the benchmark on it,
// and always terminate it.
type Lifecycle struct {
	input *LifecycleInput
}

func NewLifecycle(input *LifecycleInput) *Lifecycle {
	in := *input
	if in.BootTimeout <= 0 {
		in.BootTimeout = 10 * time.Minute
	}
	if in.AddressAttempts <= 0 {
		in.AddressAttempts = 10
	}
	if in.AddressInterval <= 0 {
		in.AddressInterval = 3 * time.Second
	}
	if in.TerminationTimeout <= 0 {
		in.TerminationTimeout = 10 * time.Minute
	}
	return &Lifecycle{input: &in}
}

// Run drives one job to StateTerminated. It never panics and never returns an error: every
// failure is recorded on the result.
func (l *Lifecycle) Run(ctx context.Context, spec JobSpec) (res *JobResult) {
	start := time.Now()
	res = &JobResult{Spec: spec}
	defer func() {
		if r := recover(); r != nil {
			res.fail(fmt.Errorf("job panicked: %v", r))
			slog.Error("job panicked", slog.String("job", spec.Name()), slog.String("state", string(res.State)), slog.Any("panic", r))
		}
		res.transition(StateTerminated)
		res.Duration = time.Since(start)
	}()

	res.transition(StateCreating)
	err := l.input.Runner.Reset(spec.InstanceType, spec.Trial)
	if err != nil {
		slog.Error("failed to reset job artifacts", slog.String("job", spec.Name()), slog.String("error", err.Error()))
		res.fail(err)
		return res
	}
	instanceID, err := l.launchInstance(ctx, spec)
	if err != nil {
		slog.Error("failed to launch instance", slog.String("job", spec.Name()), slog.String("error", err.Error()))
		res.fail(err)
		return res
	}
	res.InstanceID = instanceID
	defer l.terminateInstance(ctx, spec, instanceID)
	slog.Info("launched instance", slog.String("instanceType", spec.InstanceType), slog.Int("trial", spec.Trial), slog.String("instanceID", instanceID))

	res.transition(StateBooting)
	address, err := l.waitForAddress(ctx, instanceID)
	if err != nil {
		slog.Error("instance did not boot", slog.String("instanceID", instanceID), slog.String("error", err.Error()))
		res.fail(err)
		return res
	}
	slog.Debug("instance got IP", slog.String("instanceID", instanceID), slog.String("ip", address))

	res.transition(StateConnecting)
	t, err := l.input.Connector.Connect(ctx, address)
	if err != nil {
		var timeoutErr *target.ConnectionTimeoutError
		if errors.As(err, &timeoutErr) {
			slog.Error("timeout to connect instance", slog.String("instanceID", instanceID), slog.Int("attempts", timeoutErr.Attempts))
		} else {
			slog.Error("failed to connect instance", slog.String("instanceID", instanceID), slog.String("error", err.Error()))
		}
		res.fail(err)
		return res
	}
	defer t.Close()
	slog.Info("connected to instance", slog.String("instanceID", instanceID))

	res.transition(StateExecuting)
	status, err := l.input.Runner.Run(t)
	if err != nil {
		slog.Error("failed to run script", slog.String("instanceID", instanceID), slog.String("error", err.Error()))
		res.fail(err)
		return res
	}
	if status != 0 {
		slog.Error("command failed on the instance", slog.String("instanceID", instanceID), slog.Int("exitStatus", status))
	}

	res.transition(StateCollecting)
	outcome, err := l.input.Runner.Collect(t, spec.InstanceType, spec.Trial, status)
	res.Outcome = outcome
	if err != nil {
		slog.Error("failed to collect results", slog.String("instanceID", instanceID), slog.String("error", err.Error()))
		res.fail(err)
		return res
	}
	if failure := outcome.Failure(); failure != nil {
		slog.Warn("no result for job", slog.String("job", spec.Name()), slog.String("error", failure.Error()))
		res.FailedIn = StateExecuting
		res.Status = StatusExecutionFailed
		res.Err = failure
		return res
	}

	res.Status = StatusSucceeded
	return res
}

func (res *JobResult) transition(to State) {
	if res.State == to {
		return
	}
	slog.Debug("job state changed", slog.String("job", res.Spec.Name()), slog.String("from", string(res.State)), slog.String("to", string(to)))
	res.State = to
}

func (res *JobResult) fail(err error) {
	res.FailedIn = res.State
	res.Status = StatusFailed
	res.Err = err
}

func (l *Lifecycle) launchInstance(ctx context.Context, spec JobSpec) (string, error) {
	resp, err := l.input.EC2.RunInstances(ctx, &ec2.RunInstancesInput{
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		ImageId:          aws.String(spec.ImageID),
		InstanceType:     ec2Types.InstanceType(spec.InstanceType),
		KeyName:          aws.String(l.input.KeyName),
		SubnetId:         aws.String(l.input.SubnetID),
		SecurityGroupIds: l.input.SecurityGroupIDs,
		TagSpecifications: []ec2Types.TagSpecification{{
			ResourceType: ec2Types.ResourceTypeInstance,
			Tags: []ec2Types.Tag{
				{Key: aws.String("Name"), Value: aws.String("iobench-" + spec.Name())},
				{Key: aws.String(TagRunID), Value: aws.String(l.input.RunID)},
				{Key: aws.String(TagInstanceType), Value: aws.String(spec.InstanceType)},
				{Key: aws.String(TagTrial), Value: aws.String(strconv.Itoa(spec.Trial))},
			},
		}},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			slog.Debug("instance creation rejected", slog.String("job", spec.Name()), slog.String("code", apiErr.ErrorCode()), slog.String("message", apiErr.ErrorMessage()))
		}
		return "", fmt.Errorf("failed to launch instance: %w", err)
	}
	if len(resp.Instances) == 0 || resp.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("failed to launch instance: no instance in response")
	}
	return *resp.Instances[0].InstanceId, nil
}

// waitForAddress blocks until the instance is running and returns its public IP.
func (l *Lifecycle) waitForAddress(ctx context.Context, instanceID string) (string, error) {
	waiter := ec2.NewInstanceRunningWaiter(l.input.EC2)
	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, l.input.BootTimeout)
	if err != nil {
		return "", fmt.Errorf("waiting for instance %s to run failed: %w", instanceID, err)
	}
	if ip := publicIP(out); ip != "" {
		return ip, nil
	}
	return l.getInstanceIP(ctx, instanceID)
}

func (l *Lifecycle) getInstanceIP(ctx context.Context, instanceID string) (string, error) {
	for i := 0; i < l.input.AddressAttempts; i++ {
		resp, err := l.input.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			return "", err
		}

		if ip := publicIP(resp); ip != "" {
			return ip, nil
		}

		err = retry.Sleep(ctx, l.input.AddressInterval)
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("failed to get instance %s IP", instanceID)
}

func publicIP(out *ec2.DescribeInstancesOutput) string {
	if out == nil {
		return ""
	}
	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if instance.PublicIpAddress != nil {
				return *instance.PublicIpAddress
			}
		}
	}
	return ""
}

// terminateInstance is best-effort: failures are logged, the provider reaps anything left over.
// It runs even if the job's context is done.
func (l *Lifecycle) terminateInstance(ctx context.Context, spec JobSpec, instanceID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.input.TerminationTimeout)
	defer cancel()

	_, err := l.input.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		slog.Error("failed to destroy instance", slog.String("instanceID", instanceID), slog.String("error", err.Error()))
		return
	}
	slog.Info("terminated instance", slog.String("instanceType", spec.InstanceType), slog.Int("trial", spec.Trial), slog.String("instanceID", instanceID))

	if !l.input.WaitForTermination {
		return
	}
	waiter := ec2.NewInstanceTerminatedWaiter(l.input.EC2)
	err = waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, l.input.TerminationTimeout)
	if err != nil {
		slog.Warn("instance did not finish terminating", slog.String("instanceID", instanceID), slog.String("error", err.Error()))
	}
}
