// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/macroq/macroq/comm"
)

// runLoop drains the coordinator's queue on behalf of one sub-world.
// Per iteration: claim the next task index; stage in the claimed task's
// input; run the task inside the sub-world's own collective context;
// report completion; stage out the outcome; release the in-memory copy.
// The loop exits when a claim returns the queue-exhausted sentinel.
//
// Side effects are confined to the sub-world's own communication
// context except for the two coordinator calls and the shared record
// namespace. A payload error aborts the loop and propagates: there is
// no per-task retry.
func runLoop(ctx context.Context, u *comm.Universe, g *comm.Group, store Store, stat *status.Task) error {
	for {
		index, err := claimNext(ctx, u, g)
		if err != nil {
			return err
		}
		if index == noTask {
			log.Debug.Printf("%s: queue drained", g.Name())
			return nil
		}
		if stat != nil && g.Rank() == 0 {
			stat.Printf("task %d", index)
		}
		begin := time.Now()
		task, err := stageIn(ctx, g, store, inputRecord(index))
		if err != nil {
			return err
		}
		if err := task.Run(ctx, g); err != nil {
			return errors.E(fmt.Sprintf("%s: task %d failed", g.Name(), index), err)
		}
		if err := markComplete(ctx, u, g, index); err != nil {
			return err
		}
		if err := stageOut(ctx, g, store, resultRecord(index), task); err != nil {
			return err
		}
		if g.Rank() == 0 {
			log.Printf("%s: completed task %3d after %.1fs", g.Name(), index, time.Since(begin).Seconds())
			// The input record was consumed by this sub-world and is
			// not needed again.
			if err := store.Discard(ctx, inputRecord(index)); err != nil {
				log.Error.Printf("%s: discard %s: %v", g.Name(), inputRecord(index), err)
			}
		}
	}
}
