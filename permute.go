// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigfit

import "math/rand"

// Permutation returns a permutation of the global index space that is
// identical on every worker given the same seed. No communication is
// needed: the permutation depends only on GlobalRows and seed.
func (dc *Context) Permutation(seed int64) []int {
	return rand.New(rand.NewSource(seed)).Perm(dc.GlobalRows)
}

// Identity returns the identity permutation of the global index space.
func (dc *Context) Identity() []int {
	p := make([]int, dc.GlobalRows)
	for i := range p {
		p[i] = i
	}
	return p
}
