package pathexpr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rcerrors "github.com/systmms/rconfd/internal/errors"
	"github.com/systmms/rconfd/internal/pathexpr"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestSubstitute(t *testing.T) {
	t.Parallel()

	out, err := pathexpr.Substitute("env:str:${NAME}", lookupFrom(map[string]string{"NAME": "DATABASE_URL"}))
	require.NoError(t, err)
	assert.Equal(t, "env:str:DATABASE_URL", out)
}

func TestSubstituteUnresolved(t *testing.T) {
	t.Parallel()

	_, err := pathexpr.Substitute("env:str:${MISSING}", lookupFrom(nil))
	require.Error(t, err)
	var target rcerrors.UnresolvedVariableError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "MISSING", target.Name)
}

func TestParseEnv(t *testing.T) {
	t.Parallel()

	e, err := pathexpr.Parse("env:str:X", "env:str:X")
	require.NoError(t, err)
	assert.Equal(t, "env", e.Backend)
	assert.Equal(t, []string{"str"}, e.Positional)
	assert.Equal(t, "X", e.Path)
}

func TestParseVaultWithMethodAndBody(t *testing.T) {
	t.Parallel()

	raw := "vault:web,POST,increment=10:sys/leases/renew"
	e, err := pathexpr.Parse(raw, raw)
	require.NoError(t, err)
	args, err := pathexpr.ValidateVault(e)
	require.NoError(t, err)
	assert.Equal(t, "web", args.Role)
	assert.Equal(t, "POST", args.Method)
	assert.Equal(t, "10", args.Body["increment"])
}

func TestParseVaultDefaultMethod(t *testing.T) {
	t.Parallel()

	e, err := pathexpr.Parse("vault:web:kv/data/s", "vault:web:kv/data/s")
	require.NoError(t, err)
	args, err := pathexpr.ValidateVault(e)
	require.NoError(t, err)
	assert.Equal(t, "GET", args.Method)
}

func TestParseExeWithMode(t *testing.T) {
	t.Parallel()

	e, err := pathexpr.Parse("exe:js,dynamic:/usr/bin/gen-token", "exe:js,dynamic:/usr/bin/gen-token")
	require.NoError(t, err)
	args, err := pathexpr.ValidateExe(e)
	require.NoError(t, err)
	assert.Equal(t, pathexpr.FormatJSON, args.Format)
	assert.Equal(t, pathexpr.ExecDynamic, args.Mode)
}

func TestParseExeDefaultsStatic(t *testing.T) {
	t.Parallel()

	e, err := pathexpr.Parse("exe:str:/bin/echo hi", "exe:str:/bin/echo hi")
	require.NoError(t, err)
	args, err := pathexpr.ValidateExe(e)
	require.NoError(t, err)
	assert.Equal(t, pathexpr.ExecStatic, args.Mode)
}

func TestParseMalformedExpression(t *testing.T) {
	t.Parallel()

	_, err := pathexpr.Parse("nofield", "nofield")
	require.Error(t, err)
	var target rcerrors.PathSyntaxError
	require.ErrorAs(t, err, &target)
}

func TestParseEmptyBackend(t *testing.T) {
	t.Parallel()

	_, err := pathexpr.Parse(":str:X", ":str:X")
	require.Error(t, err)
}

func TestValidateStaticFormatRejectsBadFormat(t *testing.T) {
	t.Parallel()

	e, err := pathexpr.Parse("file:yaml:/tmp/a", "file:yaml:/tmp/a")
	require.NoError(t, err)
	_, err = pathexpr.ValidateStaticFormat("file", e)
	require.Error(t, err)
}

func TestEscapedColonInPath(t *testing.T) {
	t.Parallel()

	e, err := pathexpr.Parse(`vault:web:kv/data/s\:with\:colons`, `vault:web:kv/data/s\:with\:colons`)
	require.NoError(t, err)
	assert.Equal(t, "kv/data/s:with:colons", e.Path)
}

func TestIdentityIsOrderInvariantForKeywords(t *testing.T) {
	t.Parallel()

	a, err := pathexpr.Parse("vault:web,POST,b=2,a=1:p", "vault:web,POST,b=2,a=1:p")
	require.NoError(t, err)
	b, err := pathexpr.Parse("vault:web,POST,a=1,b=2:p", "vault:web,POST,a=1,b=2:p")
	require.NoError(t, err)

	assert.Equal(t, a.Identity(), b.Identity())
}

func TestIdentityDistinguishesPositionalOrder(t *testing.T) {
	t.Parallel()

	a, err := pathexpr.Parse("vault:web,POST:p", "vault:web,POST:p")
	require.NoError(t, err)
	b, err := pathexpr.Parse("vault:POST,web:p", "vault:POST,web:p")
	require.NoError(t, err)

	assert.NotEqual(t, a.Identity(), b.Identity())
}

func TestParseWithEnvEndToEnd(t *testing.T) {
	t.Parallel()

	e, err := pathexpr.ParseWithEnv("env:str:${NAME}", lookupFrom(map[string]string{"NAME": "PORT"}))
	require.NoError(t, err)
	assert.Equal(t, "PORT", e.Path)
}

func TestIsKnownBackend(t *testing.T) {
	t.Parallel()

	assert.True(t, pathexpr.IsKnownBackend("vault"))
	assert.True(t, pathexpr.IsKnownBackend("env"))
	assert.True(t, pathexpr.IsKnownBackend("file"))
	assert.True(t, pathexpr.IsKnownBackend("exe"))
	assert.False(t, pathexpr.IsKnownBackend("aws"))
}
