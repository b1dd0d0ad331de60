// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigfit/stats"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

const (
	// ServiceName is the name under which Service must be installed on
	// the rendezvous machine.
	ServiceName = "Collective"
	// WorkerName is the name under which Worker must be installed on
	// the machines that run ranks.
	WorkerName = "Rank"
)

func init() {
	gob.Register(new(Service))
	gob.Register(new(Worker))
}

// Service is the bigmachine service through which ranks running on
// bigmachine machines exchange collective contributions. It is
// installed on a single machine, which every rank then dials:
//
//	machines, err := b.Start(ctx, 1, bigmachine.Services{
//		comm.ServiceName: new(comm.Service),
//	})
//
// Contributions are opaque gob-encoded values; the service only
// matches them up.
type Service struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	r *rendezvous[[]byte]
}

// Init implements bigmachine's service initialization.
func (s *Service) Init(b *bigmachine.B) error {
	s.r = newRendezvous[[]byte]()
	return nil
}

// ExchangeRequest is a single rank's contribution to an exchange.
type exchangeRequest struct {
	Key        exchangeKey
	Rank, Size int
	// Data is the gob-encoded contribution; empty if the rank
	// contributes nothing.
	Data []byte
}

// Exchange contributes the request's value, and replies with all
// ranks' contributions once every rank has made one.
func (s *Service) Exchange(ctx context.Context, req exchangeRequest, reply *[][]byte) error {
	vals, err := s.r.exchange(ctx, req.Key, req.Rank, req.Size, req.Data)
	if err != nil {
		return err
	}
	*reply = vals
	return nil
}

// machineTransport exchanges values through a Service running on a
// bigmachine machine.
type machineTransport struct {
	machine *bigmachine.Machine
}

func (t machineTransport) exchange(ctx context.Context, key exchangeKey, rank, size int, v interface{}, typ reflect.Type) ([]interface{}, error) {
	req := exchangeRequest{Key: key, Rank: rank, Size: size}
	if v != nil {
		var b bytes.Buffer
		if err := gob.NewEncoder(&b).Encode(v); err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("encode %T", v), err)
		}
		req.Data = b.Bytes()
	}
	var datas [][]byte
	if err := t.machine.Call(ctx, ServiceName+".Exchange", req, &datas); err != nil {
		return nil, err
	}
	vals := make([]interface{}, len(datas))
	for i, data := range datas {
		if len(data) == 0 {
			continue
		}
		if typ == nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("exchange %s: cannot decode contribution of rank %d without a type", key, i))
		}
		ptr := reflect.New(typ)
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(ptr.Interface()); err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("decode contribution of rank %d", i), err)
		}
		vals[i] = ptr.Elem().Interface()
	}
	return vals, nil
}

// Connect returns the communicator for the given rank of a worker set
// of size ranks that rendezvous through the Service installed on
// machine. Node names the physical node on which the rank runs.
func Connect(machine *bigmachine.Machine, rank, size int, node string, m *stats.Map) Comm {
	return newGroup("world", rank, size, node, machineTransport{machine}, m)
}

// Dial dials the rendezvous machine at addr and returns the
// communicator for the given rank. It is meant to be called from code
// running on a bigmachine machine, which dials its peers through b.
func Dial(ctx context.Context, b *bigmachine.B, addr string, rank, size int, node string) (Comm, error) {
	machine, err := b.Dial(ctx, addr)
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("dial rendezvous %s", addr), err)
	}
	return Connect(machine, rank, size, node, nil), nil
}

// Worker is the bigmachine service that runs ranks of launched
// programs on a machine. A machine may run several ranks of the same
// launch concurrently.
type Worker struct {
	// Exported just satisfies gob's persnickety nature.
	Exported struct{}

	b *bigmachine.B
}

// Init implements bigmachine's service initialization.
func (w *Worker) Init(b *bigmachine.B) error {
	w.b = b
	return nil
}

// RunRequest asks a worker to run a single rank of a program.
type RunRequest struct {
	// Program is the name of the program to run.
	Program string
	// Arg is the program's argument.
	Arg []byte
	// Rendezvous is the address of the machine running Service.
	Rendezvous string
	// Rank and Size place the rank in its worker set.
	Rank, Size int
	// Node names the physical node of the rank.
	Node string
}

// RunReply carries the result of a rank.
type RunReply struct {
	Rank   int
	Result []byte
}

// Run runs the requested rank to completion.
func (w *Worker) Run(ctx context.Context, req RunRequest, reply *RunReply) error {
	prog, err := lookupProgram(req.Program)
	if err != nil {
		return err
	}
	c, err := Dial(ctx, w.b, req.Rendezvous, req.Rank, req.Size, req.Node)
	if err != nil {
		return err
	}
	log.Debug.Printf("%s: running rank %d/%d of %s", req.Node, req.Rank, req.Size, req.Program)
	reply.Rank = req.Rank
	reply.Result, err = prog.Run(ctx, c, req.Arg)
	return err
}

// Launch runs prog on size ranks placed on the provided machines,
// each of which must serve Worker, and waits for all ranks to
// complete. Ranks are assigned to machines in contiguous blocks, and
// each rank's node is its machine's address. The ranks rendezvous
// through the Service installed on the machine rendezvous. Launch
// returns the result of rank 0, or the first error returned by any
// rank; when a rank fails, the others are canceled.
func Launch(ctx context.Context, machines []*bigmachine.Machine, rendezvous *bigmachine.Machine, prog *Program, size int, arg []byte) ([]byte, error) {
	if len(machines) == 0 {
		return nil, errors.E(errors.Invalid, "launch: no machines")
	}
	if size <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("launch: size %d <= 0", size))
	}
	var (
		g, gctx = errgroup.WithContext(ctx)
		result  []byte
	)
	for rank := 0; rank < size; rank++ {
		m := machines[rank*len(machines)/size]
		req := RunRequest{
			Program:    prog.Name(),
			Arg:        arg,
			Rendezvous: rendezvous.Addr,
			Rank:       rank,
			Size:       size,
			Node:       m.Addr,
		}
		g.Go(func() error {
			var reply RunReply
			if err := m.Call(gctx, WorkerName+".Run", req, &reply); err != nil {
				return errors.E(fmt.Sprintf("rank %d on %s", req.Rank, m.Addr), err)
			}
			if reply.Rank == 0 {
				result = reply.Result
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
