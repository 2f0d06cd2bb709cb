package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"grok-bridge/internal/bridge"
)

func TestExitStatus(t *testing.T) {
	require.Equal(t, 0, exitStatus(nil))
	require.Equal(t, 0, exitStatus(context.Canceled))
	require.Equal(t, 0, exitStatus(fmt.Errorf("%w: XAI_API_KEY environment variable is not set.", bridge.ErrStartup)))
	require.Equal(t, 0, exitStatus(fmt.Errorf("%w: %w", bridge.ErrStartup, errors.New("no adapter"))))
	require.Equal(t, 1, exitStatus(errors.New("read input: broken pipe")))
}
