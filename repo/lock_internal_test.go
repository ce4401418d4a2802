package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltatree/coretree/corerr"
)

// TestAcquireNoWaitFailsFastWhenLocked exercises repo/lock.go's
// immediate-fail branch directly: spec §5 only mandates fail-fast
// (vs. blocking) for concurrent register_version calls on the same
// revision (S5), so this test calls acquire itself rather than going
// through a Store method that serializes via blocking.
func TestAcquireNoWaitFailsFastWhenLocked(t *testing.T) {
	s := &Store{root: t.TempDir()}
	require.NoError(t, s.Init())

	unlock, err := s.acquire(context.Background(), true)
	require.NoError(t, err)
	defer unlock()

	_, err = s.acquire(context.Background(), false)
	require.Error(t, err)
	var ce *corerr.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, corerr.KindLocked, ce.Kind)
}
