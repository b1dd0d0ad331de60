// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fitconfig provides a mechanism to configure distributed
// bigfit computations from a shared configuration. Fitconfig uses the
// configuration mechanism in package github.com/grailbio/base/config,
// and reads a default profile from $HOME/.bigfit/config.
// Configurations may be provisioned using the bigfit command.
package fitconfig

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigfit/comm"
	"github.com/grailbio/bigfit/ensemble"
	"github.com/grailbio/bigfit/sgd"
	"github.com/grailbio/bigfit/stats"
	"github.com/grailbio/bigmachine"
	jsoniter "github.com/json-iterator/go"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Path determines the location of the bigfit profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigfit/config")

// Config is a configured bigfit runtime.
type Config struct {
	// Parallelism is the number of ranks in the worker set.
	Parallelism int
	// Nodes is the number of (simulated) physical nodes on which the
	// ranks are placed.
	Nodes int
	// BatchSize is the ensemble reassembly batch size.
	BatchSize int
	// MaxIter, Tol, and NIterNoChange configure model averaging. A
	// negative Tol disables early stopping.
	MaxIter       int
	Tol           float64
	NIterNoChange int
	// System is the bigmachine system on whose machines ranks run.
	// If nil, ranks run in the calling process and exchange values
	// in memory.
	System bigmachine.System

	// Stats counts the collective calls of all ranks.
	Stats *stats.Map
	// Status receives the progress of trainers.
	Status *status.Status
}

func init() {
	config.Register("bigfit", func(constr *config.Constructor) {
		c := new(Config)
		constr.IntVar(&c.Parallelism, "parallelism", 4, "number of ranks in the worker set")
		constr.IntVar(&c.Nodes, "nodes", 1, "number of physical nodes on which ranks are placed")
		constr.IntVar(&c.BatchSize, "batch-size", ensemble.DefaultBatchSize, "ensemble members per reassembly gather")
		constr.IntVar(&c.MaxIter, "max-iter", sgd.DefaultMaxIter, "maximum number of model-averaging epochs")
		constr.FloatVar(&c.Tol, "tol", sgd.DefaultTol, "model-averaging loss tolerance; negative to disable early stopping")
		constr.IntVar(&c.NIterNoChange, "n-iter-no-change", sgd.DefaultNIterNoChange, "epochs without improvement before stopping")
		constr.InstanceVar(&c.System, "system", "", "the bigmachine system on which ranks run")
		constr.Doc = "bigfit configures the bigfit runtime"
		constr.New = func() (interface{}, error) {
			if c.Parallelism <= 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("bigfit: parallelism %d <= 0", c.Parallelism))
			}
			if c.Nodes <= 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("bigfit: nodes %d <= 0", c.Nodes))
			}
			c.Stats = stats.NewMap()
			c.Status = new(status.Status)
			return c, nil
		}
	})
}

// Parse registers configuration flags and calls flag.Parse. It reads
// bigfit configuration from Path defined in this package. Parse
// returns the runtime as configured by the configuration and any
// flags provided. Parse panics if configuration fails.
func Parse() *Config {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var c *Config
	config.Must("bigfit", &c)
	return c
}

// Trainer returns a model-averaging trainer with the configured
// settings.
func (c *Config) Trainer() *sgd.Trainer {
	t := &sgd.Trainer{
		MaxIter:       c.MaxIter,
		NIterNoChange: c.NIterNoChange,
		Status:        c.Status.Group("sgd"),
	}
	if c.Tol >= 0 {
		t.Tol = sgd.Tol(c.Tol)
	}
	return t
}

// EnsembleTrainer returns an ensemble trainer for an ensemble of the
// given size with the configured settings.
func EnsembleTrainer[M any](c *Config, size int, seed int64) *ensemble.Trainer[M] {
	return &ensemble.Trainer[M]{
		Size:      size,
		BatchSize: c.BatchSize,
		Seed:      seed,
		Status:    c.Status.Group("ensemble"),
	}
}

// A Func is the code run by every rank of a configured worker set.
// It receives the rank's configuration and communicator, and the
// arguments given to Run. The value returned by rank 0 is the result
// of the run; it must be JSON-encodable.
type Func func(ctx context.Context, cfg *Config, c comm.Comm, args []string) (interface{}, error)

// A Program is a Func that can be run by Config.Run. Programs must be
// created during package initialization, since ranks placed on
// bigmachine machines look them up by name.
type Program struct {
	fn   Func
	prog *comm.Program
}

// Job is the argument shipped to ranks on remote machines.
type job struct {
	Parallelism   int
	Nodes         int
	BatchSize     int
	MaxIter       int
	Tol           float64
	NIterNoChange int
	Args          []string
}

// NewProgram defines a new program with the provided name.
func NewProgram(name string, fn Func) *Program {
	p := &Program{fn: fn}
	p.prog = comm.NewProgram(name, func(ctx context.Context, c comm.Comm, arg []byte) ([]byte, error) {
		var j job
		if err := json.Unmarshal(arg, &j); err != nil {
			return nil, errors.E(errors.Invalid, "decode job", err)
		}
		cfg := &Config{
			Parallelism:   j.Parallelism,
			Nodes:         j.Nodes,
			BatchSize:     j.BatchSize,
			MaxIter:       j.MaxIter,
			Tol:           j.Tol,
			NIterNoChange: j.NIterNoChange,
			Stats:         comm.StatsOf(c),
			Status:        new(status.Status),
		}
		return p.run(ctx, cfg, c, j.Args)
	})
	return p
}

func (p *Program) run(ctx context.Context, cfg *Config, c comm.Comm, args []string) ([]byte, error) {
	v, err := p.fn(ctx, cfg, c, args)
	if err != nil || c.Rank() != 0 || v == nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: encode result", p.prog.Name()), err)
	}
	return b, nil
}

// Run runs the program on every rank of the configured worker set,
// and waits for all of them to complete. It returns the JSON-encoded
// result of rank 0.
//
// If no bigmachine system is configured, ranks run as goroutines of
// the calling process, sharing the configuration's Stats and Status.
// Otherwise Run starts Nodes machines of the configured system and
// places the ranks on them in contiguous blocks; their collectives
// rendezvous on the first machine.
func (c *Config) Run(ctx context.Context, prog *Program, args ...string) ([]byte, error) {
	if c.System == nil {
		var result []byte
		err := comm.Run(ctx, c.Parallelism, func(ctx context.Context, rank comm.Comm) error {
			out, err := prog.run(ctx, c, rank, args)
			if rank.Rank() == 0 {
				result = out
			}
			return err
		}, comm.Nodes(c.Nodes), comm.Stats(c.Stats))
		return result, err
	}
	arg, err := json.Marshal(job{
		Parallelism:   c.Parallelism,
		Nodes:         c.Nodes,
		BatchSize:     c.BatchSize,
		MaxIter:       c.MaxIter,
		Tol:           c.Tol,
		NIterNoChange: c.NIterNoChange,
		Args:          args,
	})
	if err != nil {
		return nil, err
	}
	b := bigmachine.Start(c.System)
	defer b.Shutdown()
	machines, err := startMachines(ctx, b, c.Nodes, c.Status)
	if err != nil {
		return nil, err
	}
	log.Printf("bigfit: %d ranks on %d machines; collective rendezvous at %s", c.Parallelism, len(machines), machines[0].Addr)
	return comm.Launch(ctx, machines, machines[0], prog.prog, c.Parallelism, arg)
}

// StartMachines starts n machines serving ranks and waits for them to
// become ready. The first machine also serves the collective
// rendezvous.
func startMachines(ctx context.Context, b *bigmachine.B, n int, s *status.Status) ([]*bigmachine.Machine, error) {
	var group *status.Group
	if s != nil {
		group = s.Group("machines")
		group.Printf("starting %d machines", n)
	}
	machines, err := b.Start(ctx, n, bigmachine.Services{
		comm.ServiceName: new(comm.Service),
		comm.WorkerName:  new(comm.Worker),
	})
	if err != nil {
		return nil, errors.E(errors.Unavailable, "starting machines", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	for _, m := range machines {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.Wait(bigmachine.Running):
		}
		if err := m.Err(); err != nil {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("machine %s failed", m.Addr), err)
		}
	}
	if group != nil {
		group.Printf("%d machines running", n)
	}
	return machines, nil
}
