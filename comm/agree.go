// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// remoteError is the portable description of an error raised on one
// rank, broadcast to all others.
type remoteError struct {
	Rank     int
	Kind     int
	Severity int
	Message  string
}

// Agree turns an error that may have occurred on only some ranks into
// the same error on all ranks. Every rank must call Agree, passing its
// local error (or nil). If no rank failed, Agree returns nil
// everywhere. Otherwise the failing rank with the lowest rank number
// is selected, and every rank returns an error with its kind,
// severity, and message.
//
// Data errors must be passed through Agree rather than returned
// directly: a rank that returns early skips the collectives that its
// peers are about to enter, and the worker set deadlocks.
func Agree(ctx context.Context, c Comm, err error) error {
	var flag float64
	if err != nil {
		flag = 1
	}
	// Replicated: every rank learns whether any rank failed.
	failed, cerr := AllreduceFloat(ctx, c, flag, LOr)
	if cerr != nil {
		return cerr
	}
	if failed == 0 {
		return nil
	}
	// Replicated: every rank learns the lowest failing rank.
	loc, cerr := c.Allreduce(ctx, []float64{flag, float64(c.Rank())}, MaxLoc)
	if cerr != nil {
		return cerr
	}
	root := int(loc[1])
	var msg remoteError
	if c.Rank() == root {
		kind, severity := classify(err)
		msg = remoteError{
			Rank:     root,
			Kind:     int(kind),
			Severity: int(severity),
			Message:  err.Error(),
		}
	}
	msg, cerr = BcastOf(ctx, c, msg, root)
	if cerr != nil {
		return cerr
	}
	return errors.E(errors.Kind(msg.Kind), errors.Severity(msg.Severity), fmt.Sprintf("rank %d: %s", msg.Rank, msg.Message))
}

// classify returns the kind and severity of err. Kinds are looked up
// through wrapped errors until one that is not errors.Other is found.
func classify(err error) (errors.Kind, errors.Severity) {
	e := errors.Recover(err)
	kind, severity := e.Kind, e.Severity
	for kind == errors.Other {
		next, ok := e.Err.(*errors.Error)
		if !ok {
			break
		}
		e = next
		kind = e.Kind
		if severity == errors.Unknown {
			severity = e.Severity
		}
	}
	return kind, severity
}
