package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoteWrapsCause(t *testing.T) {
	err := Remote("send_message", context.DeadlineExceeded)
	require.True(t, IsRemote(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualError(t, err, "remote send_message: context deadline exceeded")

	wrapped := fmt.Errorf("outbox: %w", err)
	require.Same(t, wrapped, Remote("send_message", wrapped), "same-op error wrapped twice")
}

func TestRemoteNil(t *testing.T) {
	require.NoError(t, Remote("x", nil))
	require.False(t, IsRemote(errors.New("local")))
}
