// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
)

// A Group is a named, disjoint subset of the universe's ranks with its
// own internal rank numbering and collective-communication context.
// Groups are created by Run (the universe group) and by Split
// (sub-worlds); they are never resized.
//
// All of a group's collective operations must be invoked by every
// member, in the same order, or the run deadlocks. This is the MPI-like
// discipline assumed by the scheduler: every step that touches shared
// state is bracketed by barriers across the group's members.
type Group struct {
	name string
	rank int
	// ranks maps group-local rank to universe rank, in ascending
	// universe-rank order.
	ranks []int

	coll   *collective
	fabric *fabric
}

// Name returns the group's name ("universe" or "subworld-<i>").
func (g *Group) Name() string { return g.name }

// Rank returns the calling rank's group-local rank.
func (g *Group) Rank() int { return g.rank }

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return len(g.ranks) }

// Barrier blocks until every member of the group has called it.
// Barrier returns early with the context's error if the context is
// canceled while waiting; the group is unusable after an abandoned
// barrier.
func (g *Group) Barrier(ctx context.Context) error {
	return g.coll.barrier(ctx)
}

// Broadcast replicates *p from the root rank to every member of the
// group. It is a collective: all members must call it with the same
// root. On return, every member holds an identical copy of the root's
// buffer. Ordering is enforced by the surrounding barriers alone; the
// broadcast slot itself is unlocked.
func (g *Group) Broadcast(ctx context.Context, root int, p *[]byte) error {
	if err := g.Barrier(ctx); err != nil {
		return err
	}
	// Between these barriers only the root touches the slot.
	if g.rank == root {
		g.coll.slot = append([]byte(nil), *p...)
	}
	if err := g.Barrier(ctx); err != nil {
		return err
	}
	if g.rank != root {
		*p = append([]byte(nil), g.coll.slot...)
	}
	return g.Barrier(ctx)
}

// Handler serves point-to-point requests addressed to a rank. Requests
// and replies are opaque byte payloads; the handler is responsible for
// its own serialization and for serializing access to any state it
// owns.
type Handler interface {
	Serve(ctx context.Context, req []byte) ([]byte, error)
}

// Handle registers h to serve requests addressed to the calling rank
// under the given service name. Handle must be called before any
// member may Call the service; registration is visible to callers as
// soon as Handle returns.
func (g *Group) Handle(service string, h Handler) {
	g.fabric.handle(g.ranks[g.rank], service, h)
}

// Call issues a blocking request/response exchange with the named
// service on the given group-local rank. The request and reply are
// copied across the rank boundary: the callee never observes a live
// reference to the caller's memory. Call blocks until the callee has
// registered the service.
func (g *Group) Call(ctx context.Context, rank int, service string, req []byte) ([]byte, error) {
	return g.fabric.call(ctx, g.ranks[rank], service, req)
}
