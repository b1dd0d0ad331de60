// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit/comm"
)

func writeFile(t *testing.T, contents string) (path string, cleanup func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "bigfit")
	if err != nil {
		t.Fatal(err)
	}
	path = filepath.Join(dir, "data.csv")
	if err := ioutil.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path, func() { os.RemoveAll(dir) }
}

func TestReadCSV(t *testing.T) {
	path, cleanup := writeFile(t, "x,y,label\n1,2.5,0\n3, ,1\n-1,NaN,1\n")
	defer cleanup()
	d, err := readCSV(context.Background(), path, true)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d.Columns, []string{"x", "y", "label"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(d.Rows), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := d.Rows[0], []float64{1, 2.5, 0}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if !math.IsNaN(d.Rows[1][1]) || !math.IsNaN(d.Rows[2][1]) {
		t.Errorf("expected NaN, got %v, %v", d.Rows[1][1], d.Rows[2][1])
	}
	if got, want := column(d.Rows, 0), []float64{1, 3, -1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := selectColumns(d.Rows, []int{2, 0}), [][]float64{{0, 1}, {1, 3}, {1, -1}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReadCSVNoHeader(t *testing.T) {
	path, cleanup := writeFile(t, "1,2\n3,4\n")
	defer cleanup()
	d, err := readCSV(context.Background(), path, false)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d.Columns, []string{"c0", "c1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	j, err := d.columnIndex("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := j, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if j, err = d.columnIndex("0"); err != nil || j != 0 {
		t.Errorf("got %v, %v, want 0", j, err)
	}
	if _, err = d.columnIndex("z"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestReadCSVErrors(t *testing.T) {
	ctx := context.Background()
	path, cleanup := writeFile(t, "a\nfoo\n")
	defer cleanup()
	if _, err := readCSV(ctx, path, true); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if _, err := readCSV(ctx, path+".missing", true); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestPartition(t *testing.T) {
	d := &dataset{Columns: []string{"x"}}
	for i := 0; i < 10; i++ {
		d.Rows = append(d.Rows, []float64{float64(i)})
	}
	var (
		mu   sync.Mutex
		seen = make([]int, len(d.Rows))
	)
	err := comm.Run(context.Background(), 3, func(ctx context.Context, c comm.Comm) error {
		dc, rows, err := partition(ctx, c, d)
		if err != nil {
			return err
		}
		if got, want := dc.GlobalRows, len(d.Rows); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := len(rows), dc.Rows; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		lo, _ := dc.Range()
		mu.Lock()
		for i, row := range rows {
			if got, want := row[0], float64(lo+i); got != want {
				t.Errorf("rank %d: got %v, want %v", c.Rank(), got, want)
			}
			seen[lo+i]++
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, n := range seen {
		if n != 1 {
			t.Errorf("row %d seen %d times", i, n)
		}
	}
}
