// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	"github.com/macroq/macroq"
	"github.com/macroq/macroq/comm"
)

// Record names are part of the on-disk contract and must be stable
// across the run: "<role>_of_task_<index>".
func inputRecord(index int) string  { return fmt.Sprintf("input_of_task_%d", index) }
func resultRecord(index int) string { return fmt.Sprintf("result_of_task_%d", index) }

// storeRetryPolicy is used for temporary store failures during record
// reads (e.g., S3 unavailability). A missing record is never retried:
// the barrier discipline guarantees visibility, so absence is a
// programming error.
var storeRetryPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5)

// stageOut writes task to the named record on behalf of group: the
// group barriers, its rank 0 encodes the task and commits the record,
// and the group barriers again. After stageOut returns the caller
// should drop its in-memory reference to the task, bounding peak
// memory; the live copy now resides in the store.
//
// stageOut is one half of a record hand-off. The other side may stage
// the record in only after this group has passed its closing barrier;
// both sides synchronizing is the sole ordering mechanism.
func stageOut(ctx context.Context, g *comm.Group, store Store, name string, task macroq.Task) error {
	if err := g.Barrier(ctx); err != nil {
		return err
	}
	if g.Rank() == 0 {
		if err := writeRecord(ctx, store, name, task); err != nil {
			return errors.E(fmt.Sprintf("stage out %s", name), err)
		}
	}
	return g.Barrier(ctx)
}

func writeRecord(ctx context.Context, store Store, name string, task macroq.Task) error {
	wc, err := store.Create(ctx, name)
	if err != nil {
		return err
	}
	if err := macroq.Encode(wc, task); err != nil {
		wc.Discard(ctx)
		return err
	}
	return wc.Commit(ctx)
}

// stageIn reconstructs a task from the named record on behalf of group:
// the group barriers, its rank 0 reads the record bytes and broadcasts
// them, and every member decodes an identical reconstruction before a
// final barrier. The returned task is a copy built purely from the
// record; it shares no state with the writer's original.
func stageIn(ctx context.Context, g *comm.Group, store Store, name string) (macroq.Task, error) {
	if err := g.Barrier(ctx); err != nil {
		return nil, err
	}
	var p []byte
	if g.Rank() == 0 {
		var err error
		p, err = readRecord(ctx, store, name)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("stage in %s", name), err)
		}
	}
	if err := g.Broadcast(ctx, 0, &p); err != nil {
		return nil, err
	}
	task, err := macroq.Decode(bytes.NewReader(p))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("stage in %s", name), err)
	}
	if err := g.Barrier(ctx); err != nil {
		return nil, err
	}
	return task, nil
}

// readRecord reads the named record in full, retrying temporary store
// failures with backoff.
func readRecord(ctx context.Context, store Store, name string) ([]byte, error) {
	for retries := 0; ; retries++ {
		p, err := func() ([]byte, error) {
			rc, err := store.Open(ctx, name)
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return ioutil.ReadAll(rc)
		}()
		if err == nil {
			return p, nil
		}
		if !errors.IsTemporary(err) {
			return nil, err
		}
		if err := retry.Wait(ctx, storeRetryPolicy, retries); err != nil {
			return nil, err
		}
	}
}
