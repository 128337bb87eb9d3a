package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Octogonapus/IOBenchmark/archive"
	benchmarkorchestrator "github.com/Octogonapus/IOBenchmark/benchmark_orchestrator"
	"github.com/Octogonapus/IOBenchmark/executor"
	imageresolver "github.com/Octogonapus/IOBenchmark/image_resolver"
	"github.com/Octogonapus/IOBenchmark/report"
	"github.com/Octogonapus/IOBenchmark/results"
	"github.com/Octogonapus/IOBenchmark/target"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"
)

const sshDialTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := newRootCmd()
	if err == nil {
		err = cmd.ExecuteContext(ctx)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, error) {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "iobench",
		Short: "Measure the disk I/O of EC2 instance types",
		Long: `Launches one instance per trial of every instance type, runs an I/O benchmark script on it,
collects the results, terminates it, and prints per-instance-type averages as TSV on stdout.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			con := newConsole(cmd.ErrOrStderr())
			logger, err := newLogger(con.Log(), cfg.LogLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return run(cmd.Context(), cfg, cmd.OutOrStdout(), con.Bar())
		},
	}
	err := bindFlags(cmd, v)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// run prints the report to stdout. Progress bars go to progressOut when enabled.
func run(ctx context.Context, cfg *Config, stdout io.Writer, progressOut io.Writer) error {
	layout := results.Layout{Dir: cfg.ResultsDir}

	if !cfg.TSVOnly {
		var progress io.Writer
		if cfg.Progress {
			progress = progressOut
		}
		err := provision(ctx, cfg, layout, progress)
		if err != nil {
			return err
		}
	}

	rep, err := report.Aggregate(layout, cfg.InstanceTypes, cfg.Trials)
	if err != nil {
		return err
	}
	return rep.WriteTSV(stdout)
}

// provision runs the whole fleet. Nothing is created in the cloud before the key file has been read.
func provision(ctx context.Context, cfg *Config, layout results.Layout, progress io.Writer) error {
	keyBuf, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("can't read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBuf)
	if err != nil {
		return fmt.Errorf("can't parse key file %s: %w", cfg.KeyFile, err)
	}

	var script []byte
	if cfg.Script != "" {
		script, err = os.ReadFile(cfg.Script)
		if err != nil {
			return fmt.Errorf("can't read script: %w", err)
		}
	}

	err = layout.Ensure()
	if err != nil {
		return fmt.Errorf("can't create results directory: %w", err)
	}
	err = clearResults(layout, cfg.InstanceTypes, cfg.Trials)
	if err != nil {
		return err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return err
	}
	ec2Client := ec2.NewFromConfig(awsCfg)

	resolver, err := imageresolver.NewResolver(&imageresolver.ResolverInput{
		EC2:     ec2Client,
		Release: cfg.UbuntuRelease,
	})
	if err != nil {
		return err
	}
	imageID, err := resolver.Resolve(ctx, cfg.Arch)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	slog.Info("starting fleet",
		slog.String("runID", runID),
		slog.String("imageID", imageID),
		slog.Any("instanceTypes", cfg.InstanceTypes),
		slog.Int("trials", cfg.Trials),
	)

	establisher := target.NewEstablisher(&target.SSHOpener{
		User:    cfg.SSHUser,
		Auths:   []ssh.AuthMethod{ssh.PublicKeys(signer)},
		Timeout: sshDialTimeout,
	})
	establisher.MaxAttempts = cfg.ConnectAttempts
	establisher.Interval = cfg.ConnectInterval

	lifecycle := benchmarkorchestrator.NewLifecycle(&benchmarkorchestrator.LifecycleInput{
		EC2:                ec2Client,
		Connector:          establisher,
		Runner:             executor.NewExecutor(script, layout),
		KeyName:            cfg.KeyName,
		SubnetID:           cfg.SubnetID,
		SecurityGroupIDs:   []string{cfg.SecurityGroupID},
		RunID:              runID,
		BootTimeout:        cfg.BootTimeout,
		WaitForTermination: cfg.WaitForTermination,
	})

	startInterval := cfg.StartInterval
	if startInterval == 0 {
		startInterval = -1
	}
	fleet := benchmarkorchestrator.NewFleet(&benchmarkorchestrator.FleetInput{
		Jobs:          lifecycle,
		StartInterval: startInterval,
		Concurrency:   cfg.JobConcurrency,
		Progress:      progress,
	})
	fleetReport := fleet.Run(ctx, cfg.InstanceTypes, cfg.Trials, imageID)
	fleetReport.LogSummary()

	if cfg.ResultsBucket != "" {
		archiveResults(ctx, cfg, awsCfg, layout, runID, progress)
	}
	return nil
}

// clearResults removes every job's artifacts from an earlier run, including jobs this run may
// never start.
func clearResults(layout results.Layout, instanceTypes []string, trials int) error {
	for _, instanceType := range instanceTypes {
		for trial := 1; trial <= trials; trial++ {
			err := layout.Remove(instanceType, trial)
			if err != nil {
				return fmt.Errorf("can't clear old results: %w", err)
			}
		}
	}
	return nil
}

// archiveResults is best-effort, the report is printed either way.
func archiveResults(ctx context.Context, cfg *Config, awsCfg aws.Config, layout results.Layout, runID string, progress io.Writer) {
	a := archive.NewS3Archive(&archive.S3ArchiveInput{
		AwsConfig: awsCfg,
		Bucket:    cfg.ResultsBucket,
		Prefix:    cfg.ResultsPrefix,
		Progress:  progress,
	})
	err := a.EnsureBucket(ctx)
	if err != nil {
		slog.Error("not archiving results", slog.String("error", err.Error()))
		return
	}
	_, err = a.Upload(ctx, layout.Dir, runID)
	if err != nil {
		slog.Error("failed to archive results", slog.String("error", err.Error()))
	}
}
