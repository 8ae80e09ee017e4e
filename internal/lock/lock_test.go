package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := TryAcquire(dir)
	require.NoError(t, err)

	_, err = TryAcquire(dir)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := TryAcquire(dir)
	require.NoError(t, err)
	assert.FileExists(t, Path(dir))
	require.NoError(t, second.Release())
}

func TestReleaseNil(t *testing.T) {
	t.Parallel()

	var l *Lock
	assert.NoError(t, l.Release())
}
