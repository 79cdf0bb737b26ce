package backend

import (
	"context"
	"os"

	rcerrors "github.com/systmms/rconfd/internal/errors"
	"github.com/systmms/rconfd/internal/pathexpr"
)

// File reads a secret value from a filesystem path.
type File struct{}

// Fetch implements Backend.
func (File) Fetch(_ context.Context, e pathexpr.Expr) (Value, error) {
	format, err := pathexpr.ValidateStaticFormat(pathexpr.BackendFile, e)
	if err != nil {
		return Value{}, err
	}

	data, err := os.ReadFile(e.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Value{}, rcerrors.MissingInputError{Backend: pathexpr.BackendFile, Path: e.Path}
		}
		return Value{}, rcerrors.BackendFailureError{Backend: pathexpr.BackendFile, Path: e.Path, Err: err}
	}
	raw := string(data)

	if format == pathexpr.FormatJSON {
		if err := validateJSON(pathexpr.BackendFile, e.Path, raw); err != nil {
			return Value{}, err
		}
	}

	return formatValue(format, raw), nil
}
