// Package results owns the local results directory: where each job's artifacts live and how a
// retrieved result document becomes a Record.
package results

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const DefaultFormat = "yaml"

var ErrNoDisks = errors.New("result document has no disk descriptors")

// Layout names the per-job files under Dir.
type Layout struct {
	Dir    string
	Format string // extension of the result document, "yaml" if empty
}

// Ensure creates the results directory.
func (l Layout) Ensure() error {
	return os.MkdirAll(l.Dir, 0o755)
}

func (l Layout) LogPath(instanceType string, trial int) string {
	return filepath.Join(l.Dir, jobName(instanceType, trial)+".output.log")
}

func (l Layout) ResultPath(instanceType string, trial int) string {
	format := l.Format
	if format == "" {
		format = DefaultFormat
	}
	return filepath.Join(l.Dir, jobName(instanceType, trial)+".io_properties."+format)
}

// Remove deletes the artifacts of one job, so a job that fails never leaves an earlier run's
// result behind. Missing files are fine.
func (l Layout) Remove(instanceType string, trial int) error {
	for _, path := range []string{l.LogPath(instanceType, trial), l.ResultPath(instanceType, trial)} {
		err := os.Remove(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func jobName(instanceType string, trial int) string {
	return instanceType + "-" + strconv.Itoa(trial)
}

// Disk is one disk descriptor of a result document.
type Disk struct {
	ReadIOPS       float64 `mapstructure:"read_iops"`
	ReadBandwidth  float64 `mapstructure:"read_bandwidth"`
	WriteIOPS      float64 `mapstructure:"write_iops"`
	WriteBandwidth float64 `mapstructure:"write_bandwidth"`
}

// Record is the result of one (instance type, trial) job.
type Record struct {
	InstanceType string
	Trial        int
	Disk
}

// Parse reads the first disk descriptor out of a result document.
func Parse(buf []byte) (*Disk, error) {
	doc := struct {
		Disks []map[string]any `yaml:"disks"`
	}{}
	err := yaml.Unmarshal(buf, &doc)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling result document failed: %w", err)
	}
	if len(doc.Disks) == 0 {
		return nil, ErrNoDisks
	}

	disk := &Disk{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      disk,
		ErrorUnset:  true,
		ErrorUnused: false,
	})
	if err != nil {
		return nil, err
	}
	err = decoder.Decode(doc.Disks[0])
	if err != nil {
		return nil, fmt.Errorf("can't convert disk descriptor: %w", err)
	}
	return disk, nil
}

// Load reads and parses the result document of one job. A missing document yields an error
// matching fs.ErrNotExist.
func (l Layout) Load(instanceType string, trial int) (*Record, error) {
	buf, err := os.ReadFile(l.ResultPath(instanceType, trial))
	if err != nil {
		return nil, err
	}
	disk, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.ResultPath(instanceType, trial), err)
	}
	return &Record{InstanceType: instanceType, Trial: trial, Disk: *disk}, nil
}

// WriteFile atomically replaces path with the data written by fill. The file only appears
// under its final name once fill has returned successfully.
func WriteFile(path string, fill func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	err = fill(tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
