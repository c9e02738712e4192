// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the macroq scheduling core: the coordinator
// and its task queue, the staged-record channel through which task
// state crosses sub-world boundaries, the per-sub-world worker loop,
// and the session driver that runs a set of submitted tasks to
// completion.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/macroq/macroq"
	"github.com/macroq/macroq/comm"
)

// A Session drives one scheduling run: tasks are submitted in order,
// RunAll partitions the universe into sub-worlds and drains the queue,
// and the completed tasks are collected back in submission order. A
// session's queue is drained only once; create a new session for a new
// batch of work.
type Session struct {
	p      int
	nworld int
	store  Store
	status *status.Status

	mu    sync.Mutex
	tasks []macroq.Task
	queue *taskQueue
	ran   bool
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Processes configures the session's universe size. The default is
// GOMAXPROCS.
func Processes(p int) Option {
	if p <= 0 {
		panic("exec.Processes: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Groups configures the number of sub-worlds the universe is
// partitioned into. The default is 1. A group count exceeding the
// universe size is a configuration error reported by RunAll before any
// task executes.
func Groups(n int) Option {
	if n <= 0 {
		panic("exec.Groups: n <= 0")
	}
	return func(s *Session) {
		s.nworld = n
	}
}

// Records configures the store through which staged records move. The
// default is an in-memory store; use NewFileStore (or package
// stageconfig) to stage records through a filesystem or S3 prefix.
func Records(store Store) Option {
	return func(s *Session) {
		s.store = store
	}
}

// Status configures the session with a status object to which
// scheduling progress is reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Start creates a new session with the provided options.
func Start(options ...Option) *Session {
	s := &Session{
		p:      runtime.GOMAXPROCS(0),
		nworld: 1,
		queue:  newTaskQueue(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	return s
}

// Submit appends tasks to the session's queue at the default priority.
// A task's identity is its queue index, assigned here at insertion and
// stable for the run; tasks run in FIFO order. Submit must be called
// before RunAll.
func (s *Session) Submit(tasks ...macroq.Task) {
	s.SubmitPriority(0, tasks...)
}

// SubmitPriority appends tasks with the given priority. The priority is
// recorded on each task's queue entry; claims remain FIFO in insertion
// order regardless.
func (s *Session) SubmitPriority(priority float64, tasks ...macroq.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ran {
		panic("exec.Submit: session has already run")
	}
	for _, task := range tasks {
		s.tasks = append(s.tasks, task)
		s.queue.Add(priority)
	}
}

// RunAll drives the submitted tasks to completion, blocking until the
// queue drains, and returns the completed tasks, reconstructed from
// their result records, in submission order. The universe is
// partitioned into the configured number of sub-worlds; every task's
// input is staged to a record before scheduling begins, each sub-world
// repeatedly claims and executes tasks, and a final universe barrier
// marks the drain before results are collected.
//
// RunAll fails fast: a configuration error aborts before any work
// starts, and a payload or invariant error cancels the remaining
// ranks and propagates. There is no partial-failure recovery.
func (s *Session) RunAll(ctx context.Context) ([]macroq.Task, error) {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return nil, errors.E(errors.Fatal, "exec.RunAll: session has already run")
	}
	s.ran = true
	tasks := s.tasks
	s.mu.Unlock()
	if s.nworld > s.p {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("exec.RunAll: cannot form %d groups from %d processes", s.nworld, s.p))
	}
	log.Debug.Print(s.queue)

	var (
		statusGroup *status.Group
		workerStats *status.Group
	)
	if s.status != nil {
		statusGroup = s.status.Group("macroq")
		workerStats = s.status.Group("subworlds")
	}

	err := comm.Run(ctx, s.p, func(ctx context.Context, u *comm.Universe) error {
		if u.Rank() == 0 {
			u.Handle(coordinatorService, &coordinator{queue: s.queue, status: statusGroup})
		}
		// Stage every task's input to a durable record before any
		// sub-world may claim it. Only universe rank 0 writes; the
		// originals are released as they are staged.
		for i := range tasks {
			var task macroq.Task
			if u.Rank() == 0 {
				task = tasks[i]
			}
			if err := stageOut(ctx, u.Group, s.store, inputRecord(i), task); err != nil {
				return err
			}
			if u.Rank() == 0 {
				tasks[i] = nil
			}
		}
		g, err := u.Split(ctx, s.nworld)
		if err != nil {
			return err
		}
		var stat *status.Task
		if workerStats != nil && g.Rank() == 0 {
			stat = workerStats.Start(g.Name())
			defer stat.Done()
		}
		if err := runLoop(ctx, u, g, s.store, stat); err != nil {
			return err
		}
		// The run is complete only when every sub-world has exhausted
		// its loop; the universe learns this at the drain barrier.
		return u.Barrier(ctx)
	})
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, len(tasks))
}

// collect loads each task's result record, in task-submission order,
// into a universe-side reconstruction of the completed task.
func (s *Session) collect(ctx context.Context, n int) ([]macroq.Task, error) {
	out := make([]macroq.Task, n)
	err := traverse.Limit(runtime.GOMAXPROCS(0)).Each(n, func(i int) error {
		p, err := readRecord(ctx, s.store, resultRecord(i))
		if err != nil {
			return err
		}
		task, err := macroq.Decode(bytes.NewReader(p))
		if err != nil {
			return err
		}
		out[i] = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Map builds one task per input from the mapper, runs them all, and
// returns their outcomes in submission order. It is a convenience over
// Submit and RunAll for homogeneous task batches.
func (s *Session) Map(ctx context.Context, mapper macroq.Mapper, inputs []interface{}) ([]interface{}, error) {
	for _, input := range inputs {
		s.Submit(mapper.Bind(input))
	}
	done, err := s.RunAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(done))
	for i, task := range done {
		m, ok := task.(macroq.Mapper)
		if !ok {
			return nil, errors.E(errors.Integrity,
				fmt.Sprintf("exec.Map: task %d reconstructed as %T, which is not a Mapper", i, task))
		}
		out[i] = m.Result()
	}
	return out, nil
}
