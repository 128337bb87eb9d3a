// Package executor runs the benchmark script on an open target and collects its artifacts.
package executor

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Octogonapus/IOBenchmark/results"
	"github.com/Octogonapus/IOBenchmark/target"
	"github.com/Octogonapus/IOBenchmark/util"
)

//go:embed remote_script.sh
var DefaultScript []byte

const (
	RemoteScriptPath = "remote_script.sh"
	RemoteLogPath    = "output.log"
	RemoteResultPath = "/etc/scylla.d/io_properties.yaml"
)

// Outcome describes how the remote script ended and which artifacts were retrieved.
type Outcome struct {
	ExitStatus              int
	LogAvailable            bool
	ResultDocumentAvailable bool
	LastLogLine             string // set only for failed scripts whose log was retrieved
}

func (o *Outcome) Succeeded() bool {
	return o.ExitStatus == 0
}

// Failure returns the ExecutionFailure for an unsuccessful outcome, or nil.
func (o *Outcome) Failure() *ExecutionFailure {
	if o.Succeeded() {
		return nil
	}
	return &ExecutionFailure{ExitStatus: o.ExitStatus, LastLine: o.LastLogLine}
}

// ExecutionFailure describes a script that ran to completion with a non-zero exit status.
// It is reported, never returned as an error.
type ExecutionFailure struct {
	ExitStatus int
	LastLine   string // last non-empty line of the remote log, if it was retrieved
}

func (e *ExecutionFailure) Error() string {
	if e.LastLine == "" {
		return fmt.Sprintf("remote command exited with status %d", e.ExitStatus)
	}
	return fmt.Sprintf("remote command exited with status %d: %s", e.ExitStatus, e.LastLine)
}

type Executor struct {
	Script           []byte
	Layout           results.Layout
	RemoteResultPath string
}

func NewExecutor(script []byte, layout results.Layout) *Executor {
	if script == nil {
		script = DefaultScript
	}
	return &Executor{
		Script:           script,
		Layout:           layout,
		RemoteResultPath: RemoteResultPath,
	}
}

// Execute uploads and runs the script, then collects its artifacts.
func (e *Executor) Execute(t target.Target, instanceType string, trial int) (*Outcome, error) {
	status, err := e.Run(t)
	if err != nil {
		return nil, err
	}
	return e.Collect(t, instanceType, trial, status)
}

// Reset removes what an earlier run left for this job, so only this run's artifacts count.
func (e *Executor) Reset(instanceType string, trial int) error {
	err := e.Layout.Remove(instanceType, trial)
	if err != nil {
		return fmt.Errorf("failed to remove old artifacts: %w", err)
	}
	return nil
}

// Run uploads the script and blocks until it exits, returning its exit status. Output goes to
// the remote log file.
func (e *Executor) Run(t target.Target) (int, error) {
	err := t.CopyFileTo(bytes.NewReader(e.Script), RemoteScriptPath)
	if err != nil {
		return -1, fmt.Errorf("failed to upload script: %w", err)
	}

	status, err := t.ExitStatus(fmt.Sprintf("bash -e %s > %s 2>&1", RemoteScriptPath, RemoteLogPath))
	if err != nil {
		return -1, fmt.Errorf("failed to run script: %w", err)
	}
	return status, nil
}

// Collect retrieves the remote log, and the result document only if the script succeeded.
// A log that can't be retrieved is logged and reported through Outcome.LogAvailable.
func (e *Executor) Collect(t target.Target, instanceType string, trial int, status int) (*Outcome, error) {
	outcome := &Outcome{ExitStatus: status}

	logPath := e.Layout.LogPath(instanceType, trial)
	err := e.fetch(t, RemoteLogPath, logPath)
	if err != nil {
		slog.Warn("failed to retrieve remote log",
			slog.String("instanceType", instanceType),
			slog.Int("trial", trial),
			slog.String("error", err.Error()),
		)
	} else {
		outcome.LogAvailable = true
		slog.Info("received file", slog.String("path", logPath))
	}

	if !outcome.Succeeded() {
		if outcome.LogAvailable {
			buf, err := os.ReadFile(logPath)
			if err == nil {
				outcome.LastLogLine = strings.TrimSpace(util.LastNonEmptyLine(buf))
			}
		}
		return outcome, nil
	}

	resultPath := e.Layout.ResultPath(instanceType, trial)
	err = e.fetch(t, e.RemoteResultPath, resultPath)
	if err != nil {
		return outcome, fmt.Errorf("failed to retrieve result document: %w", err)
	}
	outcome.ResultDocumentAvailable = true
	slog.Info("received file", slog.String("path", resultPath))
	return outcome, nil
}

func (e *Executor) fetch(t target.Target, remotePath string, localPath string) error {
	return results.WriteFile(localPath, func(f *os.File) error {
		return t.CopyFileFrom(remotePath, f)
	})
}
