// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
)

func TestClaimOrder(t *testing.T) {
	q := newTaskQueue()
	for i := 0; i < 5; i++ {
		if got, want := q.Add(0), i; got != want {
			t.Fatalf("got index %v, want %v", got, want)
		}
	}
	// Claims are FIFO in insertion order, and no index is returned
	// twice while Running or Complete.
	for i := 0; i < 5; i++ {
		if got, want := q.ClaimNext(), i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if got, want := q.ClaimNext(), noTask; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := q.MarkComplete(2); err != nil {
		t.Fatal(err)
	}
	if got, want := q.ClaimNext(), noTask; got != want {
		t.Errorf("claimed a non-Waiting task: got %v, want %v", got, want)
	}
}

func TestClaimConcurrent(t *testing.T) {
	const (
		numTasks    = 1000
		numClaimers = 8
	)
	q := newTaskQueue()
	for i := 0; i < numTasks; i++ {
		q.Add(0)
	}
	var (
		mu      sync.Mutex
		claimed = make(map[int]int)
		wg      sync.WaitGroup
	)
	for c := 0; c < numClaimers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				index := q.ClaimNext()
				if index == noTask {
					return
				}
				mu.Lock()
				claimed[index]++
				mu.Unlock()
				if _, err := q.MarkComplete(index); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if got, want := len(claimed), numTasks; got != want {
		t.Fatalf("got %v claimed tasks, want %v", got, want)
	}
	for index, n := range claimed {
		if n != 1 {
			t.Errorf("task %d claimed %d times", index, n)
		}
		if got, want := q.State(index), TaskComplete; got != want {
			t.Errorf("task %d: got state %v, want %v", index, got, want)
		}
	}
}

func TestMarkCompleteIdempotent(t *testing.T) {
	q := newTaskQueue()
	q.Add(0)
	if got, want := q.ClaimNext(), 0; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := 0; i < 2; i++ {
		state, err := q.MarkComplete(0)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := state, TaskComplete; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

var fatalErr = errors.E(errors.Fatal)

func TestMarkCompleteInvariants(t *testing.T) {
	q := newTaskQueue()
	q.Add(0)
	// Completing a task that was never claimed is an invariant
	// violation, as is completing an index that does not exist.
	if _, err := q.MarkComplete(0); err == nil {
		t.Error("expected error completing unclaimed task")
	} else if !errors.Match(fatalErr, err) {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := q.MarkComplete(7); err == nil {
		t.Error("expected error completing nonexistent task")
	} else if !errors.Match(fatalErr, err) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestQueueString(t *testing.T) {
	q := newTaskQueue()
	q.Add(0)
	q.Add(0.5)
	q.ClaimNext()
	s := q.String()
	for _, want := range []string{"RUNNING", "WAITING", "0.5"} {
		if !strings.Contains(s, want) {
			t.Errorf("%q missing from queue rendering %q", want, s)
		}
	}
}
