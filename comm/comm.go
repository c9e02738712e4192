// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements the process fabric on which macroq schedules
// tasks: a fixed universe of cooperating ranks that may be partitioned
// into disjoint sub-worlds, each with its own collective-communication
// context. Ranks interact only through the collective operations
// (barriers, broadcasts) and point-to-point calls provided here; no
// other channel exists between them, and sub-worlds never share memory
// with one another.
package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

// A Universe is the full set of cooperating ranks for a run. It is
// itself a Group spanning every rank, so universe-wide collectives are
// available directly.
type Universe struct {
	*Group
}

// Run drives a universe of p ranks, invoking fn once on each rank. Run
// returns when all invocations of fn have returned, or else with the
// first error; an error cancels the context passed to the remaining
// ranks, unblocking any collective waits.
func Run(ctx context.Context, p int, fn func(ctx context.Context, u *Universe) error) error {
	if p < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("comm.Run: nonpositive universe size %d", p))
	}
	f := newFabric(p)
	coll := f.collective("universe", p)
	ranks := make([]int, p)
	for i := range ranks {
		ranks[i] = i
	}
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < p; rank++ {
		rank := rank
		g.Go(func() error {
			u := &Universe{Group: &Group{
				name:   "universe",
				rank:   rank,
				ranks:  ranks,
				coll:   coll,
				fabric: f,
			}}
			return fn(ctx, u)
		})
	}
	return g.Wait()
}

// Split partitions the universe into n disjoint sub-worlds by
// round-robin rank assignment: universe rank r joins sub-world r mod n.
// Split is a collective operation: every rank must call it exactly once
// per run, and all ranks must participate. The returned group carries
// the calling rank's sub-world-local rank numbering. Group membership
// is fixed for the lifetime of the run.
//
// Split fails with errors.Invalid when a non-empty group cannot be
// formed for every requested partition (n < 1 or n > universe size).
func (u *Universe) Split(ctx context.Context, n int) (*Group, error) {
	if n < 1 || n > u.Size() {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("comm.Split: cannot form %d groups from %d processes", n, u.Size()))
	}
	id := u.Rank() % n
	var members []int
	for r := id; r < u.Size(); r += n {
		members = append(members, r)
	}
	name := fmt.Sprintf("subworld-%d", id)
	g := &Group{
		name:   name,
		rank:   u.Rank() / n,
		ranks:  members,
		coll:   u.fabric.collective(name, len(members)),
		fabric: u.fabric,
	}
	// All ranks synchronize on the universe before any sub-world
	// proceeds, so that no group starts work while another is still
	// being formed.
	if err := u.Barrier(ctx); err != nil {
		return nil, err
	}
	return g, nil
}
