package backend

import (
	"context"
	"os"

	rcerrors "github.com/systmms/rconfd/internal/errors"
	"github.com/systmms/rconfd/internal/pathexpr"
)

// Env reads a secret value from the process environment.
type Env struct{}

// Fetch implements Backend.
func (Env) Fetch(_ context.Context, e pathexpr.Expr) (Value, error) {
	format, err := pathexpr.ValidateStaticFormat(pathexpr.BackendEnv, e)
	if err != nil {
		return Value{}, err
	}

	raw, ok := os.LookupEnv(e.Path)
	if !ok {
		return Value{}, rcerrors.MissingInputError{Backend: pathexpr.BackendEnv, Path: e.Path}
	}

	if format == pathexpr.FormatJSON {
		if err := validateJSON(pathexpr.BackendEnv, e.Path, raw); err != nil {
			return Value{}, err
		}
	}

	return formatValue(format, raw), nil
}
