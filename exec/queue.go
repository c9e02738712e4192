// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/grailbio/base/errors"
)

// TaskState represents the scheduling state of a submitted task.
// TaskState values are defined so that their magnitudes correspond
// with task progression: a task only ever moves to a larger-valued
// state, visiting Waiting, Running, and Complete exactly once each.
type TaskState int

const (
	// TaskUnknown is the zero state: the task has not yet been
	// inserted into a queue.
	TaskUnknown TaskState = iota
	// TaskWaiting indicates that the task has been enqueued and is
	// available for a sub-world to claim.
	TaskWaiting
	// TaskRunning indicates that exactly one sub-world has claimed the
	// task and is executing it.
	TaskRunning
	// TaskComplete indicates that the claimant has finished executing
	// the task and staged its outcome. A complete task never changes
	// state again.
	TaskComplete

	maxState
)

var states = [...]string{
	TaskUnknown:  "UNKNOWN",
	TaskWaiting:  "WAITING",
	TaskRunning:  "RUNNING",
	TaskComplete: "COMPLETE",
}

// String returns the task state as an upper-case string.
func (s TaskState) String() string { return states[s] }

// noTask is the sentinel index returned by claims when no Waiting task
// remains.
const noTask = -1

// A queueEntry tracks the coordinator's view of one submitted task.
// The task's identity is its index, assigned at insertion and stable
// for the run.
type queueEntry struct {
	state TaskState
	// priority is carried for every task but never consulted: claims
	// are strictly FIFO in insertion order.
	priority float64
}

// A taskQueue is the coordinator's ordered task registry. It is owned
// exclusively by the coordinator process and mutated only through Add,
// ClaimNext, and MarkComplete; all access is serialized by a single
// local lock so that concurrent requests from different sub-worlds
// interleave correctly.
type taskQueue struct {
	mu      sync.Mutex
	entries []queueEntry
}

func newTaskQueue() *taskQueue {
	return new(taskQueue)
}

// Add inserts a task with the given priority, transitioning it
// Unknown -> Waiting, and returns its index.
func (q *taskQueue) Add(priority float64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, queueEntry{state: TaskWaiting, priority: priority})
	return len(q.entries) - 1
}

// ClaimNext scans for the first Waiting task in insertion order,
// transitions it to Running, and returns its index. It returns the
// noTask sentinel when no Waiting task remains. No index is ever
// returned twice: the scan-and-set happens under the queue's lock, so
// racing claimants serialize.
func (q *taskQueue) ClaimNext() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].state == TaskWaiting {
			q.entries[i].state = TaskRunning
			return i
		}
	}
	return noTask
}

// MarkComplete transitions the task at index to Complete and returns
// the resulting state. Completion is idempotent: marking an already
// complete task is a no-op. Completing a task that was never claimed
// indicates the queue was built or drained incorrectly and is reported
// as a fatal invariant violation.
func (q *taskQueue) MarkComplete(index int) (TaskState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.entries) {
		return TaskUnknown, errors.E(errors.Fatal, fmt.Sprintf("mark-complete %d: no such task", index))
	}
	if q.entries[index].state == TaskWaiting {
		return q.entries[index].state, errors.E(errors.Fatal, fmt.Sprintf("mark-complete %d: task was never claimed", index))
	}
	q.entries[index].state = TaskComplete
	return q.entries[index].state, nil
}

// State returns the state of the task at index.
func (q *taskQueue) State(index int) TaskState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.entries) {
		return TaskUnknown
	}
	return q.entries[index].state
}

// Len returns the number of enqueued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// counts returns the number of tasks in each state.
func (q *taskQueue) counts() (counts [maxState]int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		counts[e.state]++
	}
	return
}

// WriteTo writes a tabular rendering of the queue, one task per line.
// Printing may run concurrently with scheduling; it takes the same lock
// as the mutating operations.
func (q *taskQueue) WriteTo(w io.Writer) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var b bytes.Buffer
	var tw tabwriter.Writer
	tw.Init(&b, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, "taskq:")
	for i, e := range q.entries {
		fmt.Fprintf(&tw, "\t%d\t%s\t%g\n", i, e.state, e.priority)
	}
	tw.Flush()
	n, err := w.Write(b.Bytes())
	return int64(n), err
}

// String returns the tabular rendering of the queue.
func (q *taskQueue) String() string {
	var b bytes.Buffer
	q.WriteTo(&b)
	return b.String()
}
