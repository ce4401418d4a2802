package builder

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/deltatree/coretree/metadata"
)

// buildFunc computes one change's operation record and payload bytes.
// It is called concurrently from the worker pool and must not share
// mutable state across calls.
type buildFunc func(context.Context, change) (metadata.Operation, []byte, error)

type slotResult struct {
	op      metadata.Operation
	payload []byte
}

// schedule dispatches build across a worker pool of size workers, and
// returns each change's operation and payload in the original, stable
// change order (spec §4.5 step 4: "workers write to a bounded channel
// and a single writer serialises into the package file"; "Backpressure
// bound is 2 x worker_count buffered operations").
//
// Admission of new work is gated by a token bucket sized 2*workers: a
// change may start computing only once fewer than 2*workers results are
// still waiting to be drained by the caller, bounding how far ahead of
// the in-order consumer the pool can race.
func schedule(ctx context.Context, changes []change, build buildFunc, workers int) ([]metadata.Operation, [][]byte, error) {
	if workers < 1 {
		workers = 1
	}
	n := len(changes)
	if n == 0 {
		return nil, nil, nil
	}

	slots := make([]chan slotResult, n)
	for i := range slots {
		slots[i] = make(chan slotResult, 1)
	}

	admit := make(chan struct{}, 2*workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	go func() {
		for i, c := range changes {
			i, c := i, c
			select {
			case admit <- struct{}{}:
			case <-gctx.Done():
				return
			}
			g.Go(func() error {
				op, payload, err := build(gctx, c)
				if err != nil {
					return err
				}
				slots[i] <- slotResult{op: op, payload: payload}
				return nil
			})
		}
	}()

	ops := make([]metadata.Operation, n)
	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		select {
		case res := <-slots[i]:
			ops[i] = res.op
			payloads[i] = res.payload
			<-admit
		case <-gctx.Done():
			g.Wait()
			return nil, nil, gctx.Err()
		}
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return ops, payloads, nil
}
