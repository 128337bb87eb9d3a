// Package report turns the per-trial result documents of a fleet run into per-instance-type
// averages and renders them as a tab-separated table.
package report

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Octogonapus/IOBenchmark/results"
)

var header = []string{"instance_type", "read_iops", "read_bandwidth", "write_iops", "write_bandwidth"}

// Source loads the result of one trial. A missing trial must yield an error matching fs.ErrNotExist.
type Source interface {
	Load(instanceType string, trial int) (*results.Record, error)
}

// Average holds the integer-truncated means of one instance type.
type Average struct {
	InstanceType   string
	Trials         int
	ReadIOPS       int64
	ReadBandwidth  int64
	WriteIOPS      int64
	WriteBandwidth int64
}

type Report struct {
	Rows     []*results.Record // available trials, in (instance type, trial) order
	Averages []*Average        // one per instance type, in input order
}

// InsufficientDataError means an instance type has no usable trial to average.
type InsufficientDataError struct {
	InstanceType string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("no trial results available for instance type %s", e.InstanceType)
}

// Aggregate loads every trial of every instance type and computes the per-type means.
// Missing or unreadable trials are logged and left out. It fails with *InsufficientDataError
// if any instance type has no trial left.
func Aggregate(src Source, instanceTypes []string, trials int) (*Report, error) {
	rep := &Report{}
	for _, instanceType := range instanceTypes {
		var records []*results.Record
		for trial := 1; trial <= trials; trial++ {
			rec, err := src.Load(instanceType, trial)
			if errors.Is(err, fs.ErrNotExist) {
				slog.Warn("trial result is missing, skipping it",
					slog.String("instanceType", instanceType),
					slog.Int("trial", trial),
				)
				continue
			} else if err != nil {
				slog.Warn("trial result is unreadable, skipping it",
					slog.String("instanceType", instanceType),
					slog.Int("trial", trial),
					slog.String("error", err.Error()),
				)
				continue
			}
			records = append(records, rec)
		}

		avg, err := Mean(instanceType, records)
		if err != nil {
			return nil, err
		}
		rep.Rows = append(rep.Rows, records...)
		rep.Averages = append(rep.Averages, avg)
	}
	return rep, nil
}

// Mean averages the records of one instance type, truncating each mean toward zero.
func Mean(instanceType string, records []*results.Record) (*Average, error) {
	if len(records) == 0 {
		return nil, &InsufficientDataError{InstanceType: instanceType}
	}

	var readIOPS, readBandwidth, writeIOPS, writeBandwidth float64
	for _, rec := range records {
		readIOPS += rec.ReadIOPS
		readBandwidth += rec.ReadBandwidth
		writeIOPS += rec.WriteIOPS
		writeBandwidth += rec.WriteBandwidth
	}
	n := float64(len(records))
	return &Average{
		InstanceType:   instanceType,
		Trials:         len(records),
		ReadIOPS:       int64(readIOPS / n),
		ReadBandwidth:  int64(readBandwidth / n),
		WriteIOPS:      int64(writeIOPS / n),
		WriteBandwidth: int64(writeBandwidth / n),
	}, nil
}

// WriteTSV renders the header, one row per trial, a blank line, then the averages under "AVG".
func (r *Report) WriteTSV(w io.Writer) error {
	var sb strings.Builder
	writeLine(&sb, header...)
	for _, rec := range r.Rows {
		writeLine(&sb,
			rec.InstanceType+"."+strconv.Itoa(rec.Trial),
			formatValue(rec.ReadIOPS),
			formatValue(rec.ReadBandwidth),
			formatValue(rec.WriteIOPS),
			formatValue(rec.WriteBandwidth),
		)
	}
	sb.WriteString("\n")
	sb.WriteString("AVG\n")
	for _, avg := range r.Averages {
		writeLine(&sb,
			avg.InstanceType,
			strconv.FormatInt(avg.ReadIOPS, 10),
			strconv.FormatInt(avg.ReadBandwidth, 10),
			strconv.FormatInt(avg.WriteIOPS, 10),
			strconv.FormatInt(avg.WriteBandwidth, 10),
		)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func writeLine(sb *strings.Builder, fields ...string) {
	sb.WriteString(strings.Join(fields, "\t"))
	sb.WriteString("\n")
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
