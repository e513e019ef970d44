// SPDX-License-Identifier: MPL-2.0

package orchestrate

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/relicrun/relic/internal/container"
	"github.com/relicrun/relic/internal/flock"
	"github.com/relicrun/relic/internal/history"
)

// projectLocks hands out one single-slot semaphore per project root.
type projectLocks struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func (p *projectLocks) get(root string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sems == nil {
		p.sems = make(map[string]*semaphore.Weighted)
	}
	sem, ok := p.sems[root]
	if !ok {
		sem = semaphore.NewWeighted(1)
		p.sems[root] = sem
	}
	return sem
}

// lockProject blocks until this process and every other relic process have
// no active execution in root. The returned function releases both locks.
func (o *Orchestrator) lockProject(ctx context.Context, root string, onWait func()) (func(), error) {
	sem := o.locks.get(root)
	if !sem.TryAcquire(1) {
		onWait()
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	path := history.StateDir(root, "run.lock")
	var held *flock.Lock
	err := container.RetryWithBackoff(ctx, o.cfg.LockAttempts, o.cfg.LockBackoff, func(attempt int) (bool, error) {
		l, err := flock.TryAcquire(path)
		switch {
		case err == nil:
			held = l
			return false, nil
		case errors.Is(err, flock.ErrUnavailable):
			return false, nil
		case errors.Is(err, flock.ErrLocked):
			if attempt == 0 {
				onWait()
			}
			return true, err
		default:
			return false, err
		}
	})
	if err != nil {
		sem.Release(1)
		return nil, err
	}
	return func() {
		held.Release()
		sem.Release(1)
	}, nil
}
