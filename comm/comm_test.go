// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/grailbio/base/errors"
)

func TestSplit(t *testing.T) {
	for _, c := range []struct{ p, n int }{
		{1, 1},
		{4, 4},
		{8, 3},
		{16, 5},
	} {
		t.Run(fmt.Sprintf("p=%d,n=%d", c.p, c.n), func(t *testing.T) {
			var (
				mu         sync.Mutex
				membership = make(map[string][]int)
				localRanks = make(map[int]int)
			)
			err := Run(context.Background(), c.p, func(ctx context.Context, u *Universe) error {
				g, err := u.Split(ctx, c.n)
				if err != nil {
					return err
				}
				mu.Lock()
				membership[g.Name()] = append(membership[g.Name()], u.Rank())
				localRanks[u.Rank()] = g.Rank()
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if got, want := len(membership), c.n; got != want {
				t.Fatalf("got %v groups, want %v", got, want)
			}
			seen := make(map[int]bool)
			for name, members := range membership {
				var id int
				if _, err := fmt.Sscanf(name, "subworld-%d", &id); err != nil {
					t.Fatalf("bad group name %q", name)
				}
				for _, r := range members {
					if seen[r] {
						t.Errorf("rank %d assigned to more than one group", r)
					}
					seen[r] = true
					if r%c.n != id {
						t.Errorf("rank %d in group %d, want %d", r, id, r%c.n)
					}
					if got, want := localRanks[r], r/c.n; got != want {
						t.Errorf("rank %d: local rank %d, want %d", r, got, want)
					}
				}
			}
			if got, want := len(seen), c.p; got != want {
				t.Errorf("groups cover %d ranks, want %d", got, want)
			}
		})
	}
}

func TestSplitInvalid(t *testing.T) {
	err := Run(context.Background(), 2, func(ctx context.Context, u *Universe) error {
		_, err := u.Split(ctx, 4)
		if err == nil {
			return errors.New("expected error splitting 2 ranks into 4 groups")
		}
		if !errors.Is(errors.Invalid, err) {
			return err
		}
		return err
	})
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBarrier(t *testing.T) {
	const (
		p      = 8
		rounds = 50
	)
	var count int64
	err := Run(context.Background(), p, func(ctx context.Context, u *Universe) error {
		for i := 0; i < rounds; i++ {
			atomic.AddInt64(&count, 1)
			if err := u.Barrier(ctx); err != nil {
				return err
			}
			if got, want := atomic.LoadInt64(&count), int64(p*(i+1)); got != want {
				return errors.New(fmt.Sprintf("count %d, want %d", got, want))
			}
			if err := u.Barrier(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBroadcast(t *testing.T) {
	const p = 7
	want := []byte("the quick brown fox")
	err := Run(context.Background(), p, func(ctx context.Context, u *Universe) error {
		for root := 0; root < p; root++ {
			var buf []byte
			if u.Rank() == root {
				buf = append([]byte(nil), want...)
			}
			if err := u.Broadcast(ctx, root, &buf); err != nil {
				return err
			}
			if !bytes.Equal(buf, want) {
				return errors.New(fmt.Sprintf("rank %d: got %q, want %q", u.Rank(), buf, want))
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

type echoHandler struct{}

func (echoHandler) Serve(ctx context.Context, req []byte) ([]byte, error) {
	return append([]byte("echo: "), req...), nil
}

func TestCall(t *testing.T) {
	const p = 4
	err := Run(context.Background(), p, func(ctx context.Context, u *Universe) error {
		if u.Rank() == 0 {
			u.Handle("echo", echoHandler{})
		}
		// Calls block until the callee registers, so no startup
		// synchronization is needed here.
		resp, err := u.Call(ctx, 0, "echo", []byte(fmt.Sprintf("rank %d", u.Rank())))
		if err != nil {
			return err
		}
		if got, want := string(resp), fmt.Sprintf("echo: rank %d", u.Rank()); got != want {
			return errors.New(fmt.Sprintf("got %q, want %q", got, want))
		}
		return u.Barrier(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSubworldCollectivesAreIndependent(t *testing.T) {
	// Two sub-worlds progress through different numbers of barriers
	// without interfering with one another.
	err := Run(context.Background(), 4, func(ctx context.Context, u *Universe) error {
		g, err := u.Split(ctx, 2)
		if err != nil {
			return err
		}
		rounds := 5
		if g.Name() == "subworld-1" {
			rounds = 50
		}
		for i := 0; i < rounds; i++ {
			if err := g.Barrier(ctx); err != nil {
				return err
			}
		}
		return u.Barrier(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
}
