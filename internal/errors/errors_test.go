package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/systmms/rconfd/internal/errors"
)

func TestConfigErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.ConfigError{
		Path:    "/etc/rconfd/app.json",
		Field:   "secrets",
		Message: "must be an object",
	}

	msg := err.Error()
	assert.Contains(t, msg, "/etc/rconfd/app.json")
	assert.Contains(t, msg, "secrets")
	assert.Contains(t, msg, "must be an object")
	assert.Equal(t, "ConfigError", err.Kind())
}

func TestPathSyntaxErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.PathSyntaxError{Expr: "vault:role", Message: "missing path component"}
	msg := err.Error()
	assert.Contains(t, msg, "vault:role")
	assert.Contains(t, msg, "missing path component")
	assert.Equal(t, "PathSyntaxError", err.Kind())
}

func TestUnresolvedVariableErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.UnresolvedVariableError{Name: "MISSING", Expr: "env:str:${MISSING}"}
	msg := err.Error()
	assert.Contains(t, msg, "MISSING")
	assert.Contains(t, msg, "env:str:${MISSING}")
	assert.Equal(t, "UnresolvedVariable", err.Kind())
}

func TestMissingInputErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.MissingInputError{Backend: "env", Path: "DATABASE_URL"}
	msg := err.Error()
	assert.Contains(t, msg, "env")
	assert.Contains(t, msg, "DATABASE_URL")
	assert.Equal(t, "MissingInput", err.Kind())
}

func TestBadFormatErrorFormatting(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("unexpected end of JSON input")
	err := errors.BadFormatError{Backend: "file", Path: "/tmp/a.json", Err: cause}
	msg := err.Error()
	assert.Contains(t, msg, "/tmp/a.json")
	assert.Contains(t, msg, "unexpected end of JSON input")
	assert.Equal(t, "BadFormat", err.Kind())
	assert.Equal(t, cause, err.Unwrap())
}

func TestBackendFailureErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.BackendFailureError{
		Backend: "exe",
		Path:    "/usr/bin/lookup arg",
		Stderr:  "lookup: not found",
		Err:     fmt.Errorf("exit status 1"),
	}
	msg := err.Error()
	assert.Contains(t, msg, "exe")
	assert.Contains(t, msg, "exit status 1")
	assert.Contains(t, msg, "lookup: not found")
	assert.Equal(t, "BackendFailure", err.Kind())
}

func TestAuthFailureErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.AuthFailureError{Role: "web", Err: fmt.Errorf("login: 403")}
	msg := err.Error()
	assert.Contains(t, msg, "web")
	assert.Contains(t, msg, "login: 403")
	assert.Equal(t, "AuthFailure", err.Kind())
}

func TestTemplateErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.TemplateError{Template: "app.jsonnet", Err: fmt.Errorf("RUNTIME ERROR: field does not exist")}
	msg := err.Error()
	assert.Contains(t, msg, "app.jsonnet")
	assert.Contains(t, msg, "RUNTIME ERROR")
	assert.Equal(t, "TemplateError", err.Kind())
}

func TestIoErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.IoError{Path: "/etc/app/out.conf", Err: fmt.Errorf("permission denied")}
	msg := err.Error()
	assert.Contains(t, msg, "/etc/app/out.conf")
	assert.Contains(t, msg, "permission denied")
	assert.Equal(t, "IoError", err.Kind())
}

func TestHookErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.HookError{Hook: "modified", Command: "systemctl reload app", ExitCode: 1}
	msg := err.Error()
	assert.Contains(t, msg, "modified")
	assert.Contains(t, msg, "systemctl reload app")
	assert.Contains(t, msg, "1")
	assert.Equal(t, "HookError", err.Kind())
}

func TestCliErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.CliError{Message: "missing required flag -d"}
	assert.Contains(t, err.Error(), "missing required flag -d")
	assert.Equal(t, "CliError", err.Kind())
}

func TestUnwrapChain(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("dial tcp: connection refused")
	err := errors.BackendFailureError{Backend: "vault", Path: "kv/data/s", Err: cause}
	assert.Equal(t, cause, err.Unwrap())
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"backend_failure", errors.BackendFailureError{Backend: "exe", Path: "x"}, true},
		{"auth_failure", errors.AuthFailureError{Role: "web"}, true},
		{"io_error", errors.IoError{Path: "/tmp/x"}, true},
		{"hook_error", errors.HookError{Hook: "ready"}, true},
		{"config_error", errors.ConfigError{Path: "a.json"}, false},
		{"path_syntax_error", errors.PathSyntaxError{Expr: "x"}, false},
		{"unresolved_variable", errors.UnresolvedVariableError{Name: "X"}, false},
		{"missing_input", errors.MissingInputError{Backend: "env", Path: "X"}, false},
		{"bad_format", errors.BadFormatError{Backend: "file", Path: "x"}, false},
		{"cli_error", errors.CliError{Message: "bad flag"}, false},
		{"template_error", errors.TemplateError{Template: "x"}, false},
		{"plain_error", fmt.Errorf("boom"), false},
		{"nil_error", nil, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.retryable, errors.IsRetryable(tt.err))
		})
	}
}
