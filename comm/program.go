// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
)

// A ProgramFunc is the code run by every rank of a worker set. Arg is
// the opaque argument given to the launch; the result returned by
// rank 0 is handed back to the launcher, and other ranks' results
// are discarded.
type ProgramFunc func(ctx context.Context, c Comm, arg []byte) ([]byte, error)

// A Program is a ProgramFunc that can be launched on ranks placed on
// remote machines. Since machines run the same binary as the
// launcher, programs are identified by name, and must be created
// during package initialization so that every process defines the
// same set.
type Program struct {
	name string
	fn   ProgramFunc
}

var (
	programsMu sync.Mutex
	programs   = make(map[string]*Program)
)

// NewProgram registers and returns a new Program with the provided
// name. NewProgram panics if the name is already in use.
func NewProgram(name string, fn ProgramFunc) *Program {
	programsMu.Lock()
	defer programsMu.Unlock()
	if _, ok := programs[name]; ok {
		panic(fmt.Sprintf("comm.NewProgram: program %q already defined", name))
	}
	p := &Program{name: name, fn: fn}
	programs[name] = p
	return p
}

// Name returns the program's name.
func (p *Program) Name() string { return p.name }

// Run runs the program on the rank represented by c. A panic in the
// program is returned as a fatal error.
func (p *Program) Run(ctx context.Context, c Comm, arg []byte) (result []byte, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("program %s: rank %d panic: %v", p.name, c.Rank(), e))
		}
	}()
	return p.fn(ctx, c, arg)
}

func lookupProgram(name string) (*Program, error) {
	programsMu.Lock()
	defer programsMu.Unlock()
	p := programs[name]
	if p == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("program %q is not defined in this binary", name))
	}
	return p, nil
}
