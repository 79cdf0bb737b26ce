package hooks_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rcerrors "github.com/systmms/rconfd/internal/errors"
	"github.com/systmms/rconfd/internal/hooks"
	"github.com/systmms/rconfd/internal/logging"
)

func TestRunEmptyCommandIsNoop(t *testing.T) {
	t.Parallel()

	r := hooks.New(logging.NewWriter(&bytes.Buffer{}, false, true))
	err := r.Run(context.Background(), "modified", "", nil)
	assert.NoError(t, err)
}

func TestRunSuccessfulCommand(t *testing.T) {
	t.Parallel()

	r := hooks.New(logging.NewWriter(&bytes.Buffer{}, false, true))
	err := r.Run(context.Background(), "ready", "true", nil)
	assert.NoError(t, err)
}

func TestRunFailingCommandReturnsHookError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := hooks.New(logging.NewWriter(&buf, false, true))
	err := r.Run(context.Background(), "modified", "exit 3", nil)
	require.Error(t, err)

	var hookErr rcerrors.HookError
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, 3, hookErr.ExitCode)
	assert.Equal(t, "modified", hookErr.Hook)
	assert.Contains(t, buf.String(), "exit 3")
}

func TestRunRedactsSecretsFromCapturedStderr(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := hooks.New(logging.NewWriter(&buf, false, true))
	err := r.Run(context.Background(), "modified", `echo "leaking hunter2-token" 1>&2; exit 1`, []string{"hunter2-token"})
	require.Error(t, err)

	var hookErr rcerrors.HookError
	require.ErrorAs(t, err, &hookErr)
	assert.NotContains(t, hookErr.Stderr, "hunter2-token")
	assert.Contains(t, hookErr.Stderr, "[REDACTED]")
	assert.NotContains(t, buf.String(), "hunter2-token")
}
