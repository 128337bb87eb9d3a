package main

import (
	"fmt"
	"strings"
	"time"

	imageresolver "github.com/Octogonapus/IOBenchmark/image_resolver"
	"github.com/Octogonapus/IOBenchmark/target"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "IOBENCH"

type Config struct {
	Arch            string
	Region          string
	InstanceTypes   []string
	Trials          int
	KeyName         string
	KeyFile         string
	SecurityGroupID string
	SubnetID        string
	TSVOnly         bool
	ResultsDir      string
	Script          string
	UbuntuRelease   string
	SSHUser         string

	JobConcurrency     int
	StartInterval      time.Duration
	ConnectAttempts    int
	ConnectInterval    time.Duration
	BootTimeout        time.Duration
	WaitForTermination bool

	ResultsBucket string
	ResultsPrefix string

	LogLevel string
	Progress bool
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	flags.String("config", "", "Read settings from this YAML file. Flags and IOBENCH_* environment variables take precedence.")
	flags.String("arch", "x86_64", "The machine architecture of the instances (x86_64 or aarch64).")
	flags.String("region", "us-east-1", "The AWS region to run in.")
	flags.StringSlice("instance-types", nil, "The instance types to benchmark, comma separated. Required.")
	flags.Int("trials", 3, "How many times to benchmark each instance type.")
	flags.String("key-name", "", "The EC2 key pair used to access the instances.")
	flags.String("key-file", "", "The private key of the key pair. Defaults to <key-name>.pem.")
	flags.String("security-group-id", "", "The security group the instances are launched into. It must allow SSH.")
	flags.String("subnet-id", "", "The subnet the instances are launched into. It must assign public IPs.")
	flags.Bool("tsv-only", false, "Skip provisioning and only aggregate the results already in the results directory.")
	flags.String("results-dir", "results", "Where job logs and result documents are written.")
	flags.String("script", "", "A script to run on each instance instead of the built-in one.")
	flags.String("ubuntu-release", imageresolver.DefaultRelease, "The Ubuntu LTS release of the instance image.")
	flags.String("ssh-user", "ubuntu", "The user to log in as.")
	flags.Int("job-concurrency", 0, "How many jobs can run at once. All of them by default.")
	flags.Duration("start-interval", time.Second, "The delay between two job starts.")
	flags.Int("connect-attempts", target.DefaultMaxAttempts, "How many times to try connecting to an instance.")
	flags.Duration("connect-interval", target.DefaultInterval, "The delay between two connection attempts.")
	flags.Duration("boot-timeout", 10*time.Minute, "How long to wait for an instance to reach the running state.")
	flags.Bool("wait-for-termination", false, "Wait until each instance is terminated before finishing its job.")
	flags.String("results-bucket", "", "Upload the results directory to this S3 bucket after the run.")
	flags.String("results-prefix", "", "The key prefix of uploaded results.")
	flags.String("log-level", "info", "Set log level (debug|info|warn|error).")
	flags.Bool("progress", true, "Draw progress bars on stderr.")

	err := v.BindPFlags(flags)
	if err != nil {
		return fmt.Errorf("binding flags failed: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// loadConfig reads the settings out of v, after the config file if one was given.
func loadConfig(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("can't read config file: %w", err)
		}
	}

	cfg := &Config{
		Arch:               v.GetString("arch"),
		Region:             v.GetString("region"),
		InstanceTypes:      splitList(v.GetStringSlice("instance-types")),
		Trials:             v.GetInt("trials"),
		KeyName:            v.GetString("key-name"),
		KeyFile:            v.GetString("key-file"),
		SecurityGroupID:    v.GetString("security-group-id"),
		SubnetID:           v.GetString("subnet-id"),
		TSVOnly:            v.GetBool("tsv-only"),
		ResultsDir:         v.GetString("results-dir"),
		Script:             v.GetString("script"),
		UbuntuRelease:      v.GetString("ubuntu-release"),
		SSHUser:            v.GetString("ssh-user"),
		JobConcurrency:     v.GetInt("job-concurrency"),
		StartInterval:      v.GetDuration("start-interval"),
		ConnectAttempts:    v.GetInt("connect-attempts"),
		ConnectInterval:    v.GetDuration("connect-interval"),
		BootTimeout:        v.GetDuration("boot-timeout"),
		WaitForTermination: v.GetBool("wait-for-termination"),
		ResultsBucket:      v.GetString("results-bucket"),
		ResultsPrefix:      v.GetString("results-prefix"),
		LogLevel:           v.GetString("log-level"),
		Progress:           v.GetBool("progress"),
	}
	if cfg.KeyFile == "" && cfg.KeyName != "" {
		cfg.KeyFile = cfg.KeyName + ".pem"
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if len(c.InstanceTypes) == 0 {
		return fmt.Errorf("instance-types is required")
	}
	if c.Trials < 1 {
		return fmt.Errorf("trials must be at least 1, got %d", c.Trials)
	}
	if c.TSVOnly {
		return nil
	}

	var missing []string
	if c.KeyName == "" {
		missing = append(missing, "key-name")
	}
	if c.SecurityGroupID == "" {
		missing = append(missing, "security-group-id")
	}
	if c.SubnetID == "" {
		missing = append(missing, "subnet-id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("connect-attempts must be at least 1, got %d", c.ConnectAttempts)
	}
	if c.JobConcurrency < 0 {
		return fmt.Errorf("job-concurrency can't be negative")
	}
	_, err := imageresolver.ParseRelease(c.UbuntuRelease)
	return err
}

// splitList accepts both repeated values and comma separated lists, as environment variables
// and config files give them.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
