// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package split

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigfit"
)

// LeavePOut uses every combination of P global indices as a test set,
// with the remaining indices as the training set. There are C(N, P)
// such combinations, so P must be small relative to N.
type LeavePOut struct {
	P int
}

// LeaveOneOut returns the LeavePOut splitter that leaves out a single
// index.
func LeaveOneOut() LeavePOut { return LeavePOut{P: 1} }

// Scanner enumerates the splits of a LeavePOut splitter, with test
// sets in lexicographic order of global indices. Every worker scans
// the same sequence of splits.
//
//	scan := split.LeaveOneOut().Scan(dc)
//	for scan.Scan() {
//		fold := scan.Fold()
//		...
//	}
//	if err := scan.Err(); err != nil {
//		...
//	}
type Scanner struct {
	dc    *bigfit.Context
	comb  []int
	first bool
	err   error
}

// Scan returns a scanner of the splits of l over dc's global index
// space.
func (l LeavePOut) Scan(dc *bigfit.Context) *Scanner {
	s := &Scanner{dc: dc, first: true}
	switch {
	case l.P < 1:
		s.err = errors.E(errors.Invalid, fmt.Sprintf("leave-p-out: P %d < 1", l.P))
	case l.P >= dc.GlobalRows:
		s.err = errors.E(errors.Invalid, fmt.Sprintf("leave-p-out: P %d must be smaller than the number of samples %d", l.P, dc.GlobalRows))
	default:
		s.comb = make([]int, l.P)
		for i := range s.comb {
			s.comb[i] = i
		}
	}
	return s
}

// Scan advances to the next split. It returns false when the splits
// are exhausted or an error occurred.
func (s *Scanner) Scan() bool {
	if s.err != nil || s.comb == nil {
		return false
	}
	if s.first {
		s.first = false
		return true
	}
	n, p := s.dc.GlobalRows, len(s.comb)
	i := p - 1
	for i >= 0 && s.comb[i] == n-p+i {
		i--
	}
	if i < 0 {
		s.comb = nil
		return false
	}
	s.comb[i]++
	for j := i + 1; j < p; j++ {
		s.comb[j] = s.comb[j-1] + 1
	}
	return true
}

// Test returns the global indices of the current test set. The
// returned slice is overwritten by the next call to Scan.
func (s *Scanner) Test() []int { return s.comb }

// Global returns the current split as global indices.
func (s *Scanner) Global() Fold {
	test := append([]int(nil), s.comb...)
	return Fold{Train: complement(s.dc.GlobalRows, test), Test: test}
}

// Fold returns the current split as local row positions of the
// worker's partition.
func (s *Scanner) Fold() Fold {
	return localize(s.dc, s.Global())
}

// Err returns the error, if any, that stopped the scan.
func (s *Scanner) Err() error { return s.err }
