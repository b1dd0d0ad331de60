// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigfit fits estimators and computes statistics over CSV
// datasets with a distributed worker set. The dataset is split into
// contiguous partitions, one per rank; every result is computed
// collectively, exactly as it would be by workers that each hold only
// their own partition.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigfit/fitconfig"
	"github.com/grailbio/bigfit/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Commands maps command names to the programs that implement them.
var commands = map[string]*fitconfig.Program{
	"describe": describeProgram,
	"score":    scoreProgram,
	"kfold":    kfoldProgram,
	"kmeans":   kmeansProgram,
	"linear":   linearProgram,
	"bag":      bagProgram,
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: bigfit [flags] command [arguments]

Command bigfit runs distributed fitting and scoring over CSV files.
The number of ranks, their placement on nodes, and the system on which
they run are read from the bigfit profile at %s and may be overridden
with -set bigfit.parallelism=N and similar flags. Every rank reads the
dataset itself, so when ranks run on a bigmachine system the file must
be given as an s3:// URL or a path present on every machine.

Each command prints its result as JSON on standard output.

The commands are:

	describe    summary statistics of every column
	score       evaluate predictions against true values
	kfold       plan a k-fold cross-validation
	kmeans      cluster rows with k-means
	linear      fit a linear model by model averaging
	bag         fit a bagged ensemble of linear models
	setup-ec2   configure EC2 for use with bigfit

Flags:
`, fitconfig.Path)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("bigfit: ")
	must.Func = log.Fatal
	flag.Usage = usage
	var (
		addr          = flag.String("http", "", "serve Prometheus metrics at /metrics and trainer status at /debug/status on this address")
		consoleStatus = flag.Bool("status", false, "display trainer status on the console")
		wait          = flag.Bool("wait", false, "don't exit after completion")
	)
	cfg := fitconfig.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "setup-ec2" {
		setupEc2Cmd(args)
		return
	}
	prog, ok := commands[cmd]
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	}
	if *consoleStatus {
		console := make(status.Reporter)
		log.SetOutput(console.Wrap(os.Stderr))
		go console.Go(os.Stderr, cfg.Status)
		defer console.Stop()
	}
	if *addr != "" {
		serveHTTP(*addr, cfg)
	}

	out, err := cfg.Run(context.Background(), prog, args...)
	if err == nil {
		_, err = fmt.Printf("%s\n", out)
	}
	log.Debug.Printf("collectives: %s", cfg.Stats.Snapshot())
	if *wait {
		if err != nil {
			log.Printf("finished with error %v: waiting", err)
		} else {
			log.Print("done: waiting")
		}
		<-make(chan struct{})
	}
	must.Nil(err, cmd)
}

func serveHTTP(addr string, cfg *fitconfig.Config) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(cfg.Stats))
	mux.Handle("/debug/status", status.Handler(cfg.Status))
	go func() {
		log.Printf("serving metrics and status on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error.Printf("http server: %v", err)
		}
	}()
}

func metricsHandler(m *stats.Map) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(stats.NewCollector(m, "bigfit", nil))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
