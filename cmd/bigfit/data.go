// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/bigfit"
	"github.com/grailbio/bigfit/comm"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

// Dataset is a numeric table read from a CSV file.
type dataset struct {
	Columns []string
	Rows    [][]float64
}

// readCSV reads a CSV file of numbers from a local path or an S3 URL.
// If header is true, the first record names the columns. Empty fields
// and "NaN" are read as NaN.
func readCSV(ctx context.Context, path string, header bool) (d *dataset, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E("open "+path, err)
	}
	defer file.CloseAndReport(ctx, f, &err)
	r := csv.NewReader(f.Reader(ctx))
	r.ReuseRecord = true
	d = new(dataset)
	for line := 1; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d", path, line), err)
		}
		if line == 1 && header {
			d.Columns = append([]string(nil), record...)
			continue
		}
		row := make([]float64, len(record))
		for j, field := range record {
			field = strings.TrimSpace(field)
			if field == "" {
				row[j] = math.NaN()
				continue
			}
			if row[j], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: column %d", path, line, j+1), err)
			}
		}
		d.Rows = append(d.Rows, row)
	}
	if d.Columns == nil && len(d.Rows) > 0 {
		for j := range d.Rows[0] {
			d.Columns = append(d.Columns, fmt.Sprintf("c%d", j))
		}
	}
	return d, nil
}

// Column returns the values of column j of rows.
func column(rows [][]float64, j int) []float64 {
	col := make([]float64, len(rows))
	for i, row := range rows {
		col[i] = row[j]
	}
	return col
}

// Select returns rows restricted to the given columns.
func selectColumns(rows [][]float64, cols []int) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = make([]float64, len(cols))
		for k, j := range cols {
			out[i][k] = row[j]
		}
	}
	return out
}

// commandFlags is the flag set of a command. Commands parse their
// arguments on every rank, so parse errors are returned rather than
// printed.
type commandFlags struct {
	*flag.FlagSet
	usage  string
	header *bool
}

func newFlags(name, usage string) *commandFlags {
	flags := flag.NewFlagSet("bigfit "+name, flag.ContinueOnError)
	flags.SetOutput(ioutil.Discard)
	return &commandFlags{
		FlagSet: flags,
		usage:   usage,
		header:  flags.Bool("header", true, "the first line of the CSV file names the columns"),
	}
}

// load parses args and reads the single CSV file they name.
func (f *commandFlags) load(ctx context.Context, args []string) (*dataset, error) {
	if err := f.Parse(args); err != nil {
		return nil, errors.E(errors.Invalid, f.usage, err)
	}
	if f.NArg() != 1 {
		return nil, errors.E(errors.Invalid, f.usage)
	}
	return readCSV(ctx, f.Arg(0), *f.header)
}

// partition returns the context of rank c over its contiguous
// partition of d, together with the partition's rows.
func partition(ctx context.Context, c comm.Comm, d *dataset) (*bigfit.Context, [][]float64, error) {
	lo, hi := bigfit.Bounds(len(d.Rows), c.Size(), c.Rank())
	dc, err := bigfit.Discover(ctx, c, hi-lo, len(d.Columns), true)
	if err != nil {
		return nil, nil, err
	}
	return dc, d.Rows[lo:hi], nil
}

// columnIndex returns the index of the named (or numbered) column.
func (d *dataset) columnIndex(name string) (int, error) {
	for j, c := range d.Columns {
		if c == name {
			return j, nil
		}
	}
	if j, err := strconv.Atoi(name); err == nil && j >= 0 && j < len(d.Columns) {
		return j, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("no column %q", name))
}
