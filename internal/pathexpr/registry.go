package pathexpr

import (
	"strings"

	rcerrors "github.com/systmms/rconfd/internal/errors"
)

// Backend tags recognized by the path expression grammar.
const (
	BackendVault = "vault"
	BackendEnv   = "env"
	BackendFile  = "file"
	BackendExe   = "exe"
)

// Format is the value-format modifier shared by env, file and exe.
type Format string

const (
	FormatString Format = "str"
	FormatJSON   Format = "js"
)

// ExecMode controls how often an exe backend re-executes its command.
type ExecMode string

const (
	ExecStatic  ExecMode = "static"
	ExecDynamic ExecMode = "dynamic"
)

// VaultArgs is the validated positional/keyword argument set for a vault:
// expression.
type VaultArgs struct {
	Role   string
	Method string
	Body   map[string]string
}

// ValidateVault checks a parsed expression against the vault backend
// grammar: role, optional method in {GET,PUT,POST,LIST} (default GET); any
// keyword arguments become the JSON body on non-GET requests.
func ValidateVault(e Expr) (VaultArgs, error) {
	if len(e.Positional) == 0 {
		return VaultArgs{}, rcerrors.PathSyntaxError{Expr: e.Raw, Message: "vault backend requires a role"}
	}
	if len(e.Positional) > 2 {
		return VaultArgs{}, rcerrors.PathSyntaxError{Expr: e.Raw, Message: "vault backend accepts role and an optional method"}
	}
	args := VaultArgs{Role: e.Positional[0], Method: "GET", Body: e.Keyword}
	if len(e.Positional) == 2 {
		method := strings.ToUpper(e.Positional[1])
		switch method {
		case "GET", "PUT", "POST", "LIST":
			args.Method = method
		default:
			return VaultArgs{}, rcerrors.PathSyntaxError{Expr: e.Raw, Message: "vault method must be one of GET, PUT, POST, LIST"}
		}
	}
	return args, nil
}

// ValidateStaticFormat checks the env/file backend grammar: exactly one
// positional argument, str or js, and no keyword arguments.
func ValidateStaticFormat(backend string, e Expr) (Format, error) {
	if len(e.Keyword) != 0 {
		return "", rcerrors.PathSyntaxError{Expr: e.Raw, Message: backend + " backend accepts no keyword arguments"}
	}
	if len(e.Positional) != 1 {
		return "", rcerrors.PathSyntaxError{Expr: e.Raw, Message: backend + " backend requires exactly one positional argument (str or js)"}
	}
	switch Format(e.Positional[0]) {
	case FormatString, FormatJSON:
		return Format(e.Positional[0]), nil
	default:
		return "", rcerrors.PathSyntaxError{Expr: e.Raw, Message: backend + " backend format must be str or js"}
	}
}

// ExeArgs is the validated argument set for an exe: expression.
type ExeArgs struct {
	Format Format
	Mode   ExecMode
}

// ValidateExe checks the exe backend grammar: str|js, optional
// static|dynamic (default static).
func ValidateExe(e Expr) (ExeArgs, error) {
	if len(e.Keyword) != 0 {
		return ExeArgs{}, rcerrors.PathSyntaxError{Expr: e.Raw, Message: "exe backend accepts no keyword arguments"}
	}
	if len(e.Positional) == 0 || len(e.Positional) > 2 {
		return ExeArgs{}, rcerrors.PathSyntaxError{Expr: e.Raw, Message: "exe backend requires a format and an optional static|dynamic modifier"}
	}
	args := ExeArgs{Mode: ExecStatic}
	switch Format(e.Positional[0]) {
	case FormatString, FormatJSON:
		args.Format = Format(e.Positional[0])
	default:
		return ExeArgs{}, rcerrors.PathSyntaxError{Expr: e.Raw, Message: "exe backend format must be str or js"}
	}
	if len(e.Positional) == 2 {
		switch ExecMode(e.Positional[1]) {
		case ExecStatic, ExecDynamic:
			args.Mode = ExecMode(e.Positional[1])
		default:
			return ExeArgs{}, rcerrors.PathSyntaxError{Expr: e.Raw, Message: "exe backend modifier must be static or dynamic"}
		}
	}
	return args, nil
}

// IsKnownBackend reports whether tag is one of the four fixed backend tags.
func IsKnownBackend(tag string) bool {
	switch tag {
	case BackendVault, BackendEnv, BackendFile, BackendExe:
		return true
	default:
		return false
	}
}
