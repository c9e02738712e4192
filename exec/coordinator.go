// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/macroq/macroq/comm"
)

// coordinatorService names the fabric service under which the
// coordinator is registered on universe rank 0.
const coordinatorService = "coordinator"

type coordKind int

const (
	coordClaim coordKind = iota
	coordComplete
)

// coordRequest is one of the two request types the coordinator
// understands: a claim for the next Waiting task, or a completion
// report for a previously claimed index.
type coordRequest struct {
	Kind  coordKind
	Index int
}

type coordReply struct {
	Index int
	State TaskState
}

// A coordinator is the actor owning the task queue. It resides on
// universe rank 0 and is the queue's sole mutator; every other process
// holds only a fabric handle with which to send it claim and complete
// requests. Queue access within the actor is serialized by the queue's
// own lock, so concurrent requests from many sub-worlds are safe.
type coordinator struct {
	queue  *taskQueue
	status *status.Group
}

// Serve implements comm.Handler.
func (c *coordinator) Serve(ctx context.Context, req []byte) ([]byte, error) {
	var r coordRequest
	if err := gob.NewDecoder(bytes.NewReader(req)).Decode(&r); err != nil {
		return nil, errors.E(errors.Fatal, "coordinator: bad request", err)
	}
	var reply coordReply
	switch r.Kind {
	case coordClaim:
		reply.Index = c.queue.ClaimNext()
		if reply.Index == noTask {
			log.Debug.Printf("coordinator: no task to schedule")
		} else {
			log.Debug.Printf("coordinator: claimed task %d", reply.Index)
		}
	case coordComplete:
		state, err := c.queue.MarkComplete(r.Index)
		if err != nil {
			return nil, err
		}
		reply.Index = r.Index
		reply.State = state
	default:
		return nil, errors.E(errors.Fatal, fmt.Sprintf("coordinator: unknown request kind %d", r.Kind))
	}
	c.printStates()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(reply); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// printStates reports per-state task counts to the coordinator's
// status group.
func (c *coordinator) printStates() {
	if c.status == nil {
		return
	}
	counts := c.queue.counts()
	render := make([]string, maxState)
	for state, count := range counts {
		render[state] = fmt.Sprintf("%s=%d", TaskState(state), count)
	}
	c.status.Printf("tasks: %s", strings.Join(render, " "))
}

func callCoordinator(ctx context.Context, u *comm.Universe, req coordRequest) (coordReply, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return coordReply{}, err
	}
	p, err := u.Call(ctx, 0, coordinatorService, buf.Bytes())
	if err != nil {
		return coordReply{}, err
	}
	var reply coordReply
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&reply); err != nil {
		return coordReply{}, err
	}
	return reply, nil
}

// claimNext asks the coordinator for the next available task on behalf
// of the whole sub-world: the group's rank 0 issues the claim and the
// index is broadcast so that every member branches identically inside
// the collective region. It returns the noTask sentinel when the queue
// is exhausted.
func claimNext(ctx context.Context, u *comm.Universe, g *comm.Group) (int, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	if g.Rank() == 0 {
		reply, err := callCoordinator(ctx, u, coordRequest{Kind: coordClaim})
		if err != nil {
			return noTask, err
		}
		binary.PutVarint(buf, int64(reply.Index))
	}
	if err := g.Broadcast(ctx, 0, &buf); err != nil {
		return noTask, err
	}
	index, n := binary.Varint(buf)
	if n <= 0 {
		return noTask, errors.E(errors.Fatal, "claim-next: bad broadcast index")
	}
	return int(index), nil
}

// markComplete reports the completion of index to the coordinator. Only
// the sub-world that claimed the index calls it, and only after the
// task has finished executing; its rank 0 performs the call.
func markComplete(ctx context.Context, u *comm.Universe, g *comm.Group, index int) error {
	if g.Rank() != 0 {
		return nil
	}
	reply, err := callCoordinator(ctx, u, coordRequest{Kind: coordComplete, Index: index})
	if err != nil {
		return err
	}
	if reply.State != TaskComplete {
		return errors.E(errors.Fatal, fmt.Sprintf("mark-complete %d: unexpected state %s", index, reply.State))
	}
	return nil
}
