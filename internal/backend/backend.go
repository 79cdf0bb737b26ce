// Package backend implements the four fixed secret sources rconfd reads
// from: vault, env, file and exe. Vault is a distinct client
// (internal/vaultclient); this package covers the three static backends
// dispatched directly from a parsed path expression.
package backend

import (
	"context"
	"encoding/json"

	rcerrors "github.com/systmms/rconfd/internal/errors"
	"github.com/systmms/rconfd/internal/pathexpr"
)

// Value is a fetched secret value before it is placed in the jsonnet
// external-variable object: either a raw string (format "str") or bytes
// meant to be JSON-decoded (format "js").
type Value struct {
	Raw  string
	JSON bool
}

// Resolve returns the value in the shape the manifestation pipeline injects
// into jsonnet: a decoded JSON value for "js", the raw string otherwise.
func (v Value) Resolve() (interface{}, error) {
	if !v.JSON {
		return v.Raw, nil
	}
	var out interface{}
	if err := json.Unmarshal([]byte(v.Raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Backend fetches the value a parsed path expression names.
type Backend interface {
	Fetch(ctx context.Context, e pathexpr.Expr) (Value, error)
}

// StringValue wraps s as a raw string value.
func StringValue(s string) Value { return Value{Raw: s} }

// JSONValue wraps raw JSON bytes as a value to be decoded on use.
func JSONValue(raw string) Value { return Value{Raw: raw, JSON: true} }

func formatValue(format pathexpr.Format, raw string) Value {
	if format == pathexpr.FormatJSON {
		return JSONValue(raw)
	}
	return StringValue(raw)
}

// validateJSON does an early syntax check so a bad js payload fails as
// BadFormatError at fetch time rather than surfacing later as an opaque
// jsonnet error.
func validateJSON(backend, path, raw string) error {
	var out interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return rcerrors.BadFormatError{Backend: backend, Path: path, Err: err}
	}
	return nil
}
