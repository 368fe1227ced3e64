package kernelerr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/kernelerr"
)

func TestKindOfDirect(t *testing.T) {
	err := kernelerr.New(kernelerr.NoMemory, "buddy allocator exhausted")
	require.Equal(t, kernelerr.NoMemory, kernelerr.KindOf(err))
}

func TestKindOfThroughWrap(t *testing.T) {
	base := kernelerr.New(kernelerr.IO, "sector read failed")
	wrapped := kernelerr.Wrap(base, kernelerr.IO, "resolve_inode_block")
	require.Equal(t, kernelerr.IO, kernelerr.KindOf(wrapped))
	require.True(t, kernelerr.Is(wrapped, kernelerr.IO))
	require.False(t, kernelerr.Is(wrapped, kernelerr.Fatal))
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, kernelerr.Wrap(nil, kernelerr.State, "no-op"))
}

func TestKindOfUnknownForNil(t *testing.T) {
	require.Equal(t, kernelerr.Unknown, kernelerr.KindOf(nil))
}
