// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
)

// A fabric is the in-process communication substrate shared by all
// ranks of a universe. It hosts the collective state for each group and
// the per-rank service registry used by Call.
type fabric struct {
	size int

	mu          sync.Mutex
	cond        *ctxsync.Cond
	services    map[int]map[string]Handler
	collectives map[string]*collective
}

func newFabric(size int) *fabric {
	f := &fabric{
		size:        size,
		services:    make(map[int]map[string]Handler),
		collectives: make(map[string]*collective),
	}
	f.cond = ctxsync.NewCond(&f.mu)
	return f
}

// collective returns the shared collective context for the named group,
// creating it on first use. All members of a group observe the same
// context.
func (f *fabric) collective(name string, size int) *collective {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collectives[name]
	if !ok {
		c = newCollective(size)
		f.collectives[name] = c
	}
	return c
}

func (f *fabric) handle(rank int, service string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.services[rank] == nil {
		f.services[rank] = make(map[string]Handler)
	}
	if _, ok := f.services[rank][service]; ok {
		panic(fmt.Sprintf("comm: service %s already registered on rank %d", service, rank))
	}
	f.services[rank][service] = h
	f.cond.Broadcast()
}

// call dispatches a request to the handler registered on the target
// universe rank, waiting for registration if the callee has not yet
// started serving. Payloads are copied in both directions so the two
// sides share no memory.
func (f *fabric) call(ctx context.Context, rank int, service string, req []byte) ([]byte, error) {
	f.mu.Lock()
	var h Handler
	for {
		var ok bool
		if h, ok = f.services[rank][service]; ok {
			break
		}
		if err := f.cond.Wait(ctx); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	f.mu.Unlock()
	resp, err := h.Serve(ctx, append([]byte(nil), req...))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("comm.Call %s on rank %d", service, rank), err)
	}
	return append([]byte(nil), resp...), nil
}

// A collective holds the rendezvous state for one group's collective
// operations: a generation-counted barrier and the broadcast slot.
type collective struct {
	size int

	mu      sync.Mutex
	cond    *ctxsync.Cond
	arrived int
	gen     int

	// slot is the broadcast buffer. It is not protected by mu:
	// read-after-write ordering comes from the barrier pairs in
	// Group.Broadcast. Touching it outside that discipline is a
	// programming error.
	slot []byte
}

func newCollective(size int) *collective {
	c := &collective{size: size}
	c.cond = ctxsync.NewCond(&c.mu)
	return c
}

func (c *collective) barrier(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.gen
	c.arrived++
	if c.arrived == c.size {
		c.arrived = 0
		c.gen++
		c.cond.Broadcast()
		return nil
	}
	for gen == c.gen {
		if err := c.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
