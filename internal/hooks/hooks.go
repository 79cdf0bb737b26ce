// Package hooks executes the modified/ready hook commands a template
// record declares, via /bin/sh -c per §6.
package hooks

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"

	rcerrors "github.com/systmms/rconfd/internal/errors"
	"github.com/systmms/rconfd/internal/logging"
)

// Runner executes hook commands and logs their outcome. A non-zero exit is
// never fatal (§7): it is logged and returned so the caller can record it,
// but never aborts the pass.
type Runner struct {
	logger *logging.Logger
}

// New creates a Runner.
func New(logger *logging.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run executes command via /bin/sh -c, inheriting stdout and mirroring
// stderr, for the named hook (modified or ready). An empty command is a
// no-op. secrets is the set of resolved secret values currently in scope,
// used to redact hook stderr before it is logged or attached to a
// HookError: hook scripts are free to echo the values they were handed,
// but rconfd's own logs must not.
func (r *Runner) Run(ctx context.Context, hookName, command string, secrets []string) error {
	if command == "" {
		return nil
	}

	var captured bytes.Buffer

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = io.MultiWriter(os.Stderr, &captured)

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		hookErr := rcerrors.HookError{
			Hook:     hookName,
			Command:  command,
			ExitCode: exitCode,
			Stderr:   logging.Redact(captured.String(), secrets),
			Err:      err,
		}
		r.logger.Warn("%s", hookErr.Error())
		return hookErr
	}

	r.logger.Debug("%s hook completed: %s", hookName, command)
	return nil
}
