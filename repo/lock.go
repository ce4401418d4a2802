package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/deltatree/coretree/corerr"
)

// lockFileName is the advisory lock file named in spec §4.3 ("repo.lock").
const lockFileName = "repo.lock"

// acquire takes the repository-wide exclusive lock (spec §4.3, §5:
// "Across concurrent builds on the same repository: forbidden
// (repository lock). Concurrent reads of a repository are allowed and
// lock-free.").
//
// The shape mirrors the teacher's locksource.ContextLock (Lock/TryLock
// returning a derived Context plus CancelFunc) but is backed by a real
// cross-process file lock via github.com/gofrs/flock rather than an
// in-process channel barrier, since the repository lock must hold across
// separate builder processes on the same machine.
func (s *Store) acquire(ctx context.Context, wait bool) (unlock func(), err error) {
	fl := flock.New(s.path(lockFileName))
	if wait {
		locked, lockErr := tryLockWithContext(ctx, fl)
		if lockErr != nil {
			return nil, corerr.New("repo.Store.lock", corerr.KindIO, s.root, "", lockErr)
		}
		if !locked {
			return nil, corerr.New("repo.Store.lock", corerr.KindCancelled, s.root, "", ctx.Err())
		}
	} else {
		locked, lockErr := fl.TryLock()
		if lockErr != nil {
			return nil, corerr.New("repo.Store.lock", corerr.KindIO, s.root, "", lockErr)
		}
		if !locked {
			return nil, corerr.New("repo.Store.lock", corerr.KindLocked, s.root, "", fmt.Errorf("repository locked by another writer"))
		}
	}
	return func() { fl.Unlock() }, nil
}

// tryLockWithContext polls TryLock until it succeeds, fails, or the
// context is cancelled, avoiding a dependency on
// flock's own blocking API which doesn't accept a context.
func tryLockWithContext(ctx context.Context, fl *flock.Flock) (bool, error) {
	const pollInterval = 25 * time.Millisecond
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-t.C:
		}
	}
}
