package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, bindFlags(cmd, v))
	require.NoError(t, cmd.ParseFlags(args))
	return loadConfig(v)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := parse(t,
		"--instance-types", "m5.large,i3.large",
		"--key-name", "bench",
		"--security-group-id", "sg-1",
		"--subnet-id", "subnet-1",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"m5.large", "i3.large"}, cfg.InstanceTypes)
	assert.Equal(t, "x86_64", cfg.Arch)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, 3, cfg.Trials)
	assert.Equal(t, "bench.pem", cfg.KeyFile)
	assert.Equal(t, "results", cfg.ResultsDir)
	assert.Equal(t, "20.04", cfg.UbuntuRelease)
	assert.Equal(t, "ubuntu", cfg.SSHUser)
	assert.Equal(t, time.Second, cfg.StartInterval)
	assert.Equal(t, 300, cfg.ConnectAttempts)
	assert.Equal(t, 10*time.Second, cfg.ConnectInterval)
	assert.Equal(t, 10*time.Minute, cfg.BootTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Progress)
	assert.False(t, cfg.TSVOnly)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("IOBENCH_INSTANCE_TYPES", "m5.large, c5.xlarge")
	t.Setenv("IOBENCH_TRIALS", "5")
	t.Setenv("IOBENCH_TSV_ONLY", "true")
	t.Setenv("IOBENCH_RESULTS_DIR", "/tmp/out")

	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"m5.large", "c5.xlarge"}, cfg.InstanceTypes)
	assert.Equal(t, 5, cfg.Trials)
	assert.True(t, cfg.TSVOnly)
	assert.Equal(t, "/tmp/out", cfg.ResultsDir)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iobench.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instance-types: [m5.large]\ntrials: 2\ntsv-only: true\n"), 0o644))

	cfg, err := parse(t, "--config", path, "--trials", "4")
	require.NoError(t, err)
	assert.Equal(t, []string{"m5.large"}, cfg.InstanceTypes)
	assert.Equal(t, 4, cfg.Trials, "flags take precedence over the config file")
	assert.True(t, cfg.TSVOnly)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{
			name: "no instance types",
			args: []string{"--tsv-only"},
			msg:  "instance-types is required",
		},
		{
			name: "no trials",
			args: []string{"--tsv-only", "--instance-types", "m5.large", "--trials", "0"},
			msg:  "trials must be at least 1",
		},
		{
			name: "provisioning needs placement",
			args: []string{"--instance-types", "m5.large", "--key-name", "bench"},
			msg:  "missing required settings: security-group-id, subnet-id",
		},
		{
			name: "unsupported release",
			args: []string{"--instance-types", "m5.large", "--key-name", "bench", "--security-group-id", "sg-1", "--subnet-id", "subnet-1", "--ubuntu-release", "21.10"},
			msg:  "unsupported ubuntu release",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadConfigTSVOnlySkipsPlacement(t *testing.T) {
	cfg, err := parse(t, "--tsv-only", "--instance-types", "m5.large")
	require.NoError(t, err)
	assert.Empty(t, cfg.KeyFile)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList([]string{"a,b", " c ", ""}))
	assert.Nil(t, splitList(nil))
}
