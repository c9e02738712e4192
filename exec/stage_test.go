// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/macroq/macroq"
	"github.com/macroq/macroq/comm"
)

func TestStageRoundTrip(t *testing.T) {
	const p = 4
	store := NewMemoryStore()
	want := &sumTask{Values: []float64{1, 2, 3, 5, 8}}
	var (
		mu     sync.Mutex
		staged = make([]macroq.Task, 0, p)
	)
	err := comm.Run(context.Background(), p, func(ctx context.Context, u *comm.Universe) error {
		var task macroq.Task
		if u.Rank() == 0 {
			task = want
		}
		if err := stageOut(ctx, u.Group, store, inputRecord(0), task); err != nil {
			return err
		}
		got, err := stageIn(ctx, u.Group, store, inputRecord(0))
		if err != nil {
			return err
		}
		mu.Lock()
		staged = append(staged, got)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(staged), p; got != want {
		t.Fatalf("got %v reconstructions, want %v", got, want)
	}
	for _, got := range staged {
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
		// Every member holds its own reconstructed copy, not a shared
		// reference to the original.
		if got == macroq.Task(want) {
			t.Error("stage-in returned a live reference to the original")
		}
	}
}

// flakyStore wraps a Store, failing Open with a temporary error a
// fixed number of times before delegating.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
	opens    int
}

func (s *flakyStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.failures > 0 {
		s.failures--
		return nil, errors.E(errors.Temporary, "store unavailable")
	}
	return s.Store.Open(ctx, name)
}

func TestReadRecordRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	want := []byte("the record payload")
	wc, err := store.Create(ctx, resultRecord(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wc.Write(want); err != nil {
		t.Fatal(err)
	}
	if err := wc.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	// Temporary failures are retried until the store recovers.
	flaky := &flakyStore{Store: store, failures: 2}
	got, err := readRecord(ctx, flaky, resultRecord(0))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := flaky.opens, 3; got != want {
		t.Errorf("got %v opens, want %v", got, want)
	}
	// A missing record is not temporary and is never retried.
	flaky = &flakyStore{Store: store}
	if _, err := readRecord(ctx, flaky, resultRecord(1)); !errors.Is(errors.NotExist, err) {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := flaky.opens, 1; got != want {
		t.Errorf("got %v opens, want %v", got, want)
	}
}

func TestStageInMissing(t *testing.T) {
	store := NewMemoryStore()
	err := comm.Run(context.Background(), 2, func(ctx context.Context, u *comm.Universe) error {
		_, err := stageIn(ctx, u.Group, store, resultRecord(99))
		return err
	})
	if err == nil {
		t.Fatal("expected error staging in a record that was never staged out")
	}
	if !strings.Contains(err.Error(), resultRecord(99)) {
		t.Errorf("unexpected error: %v", err)
	}
}
