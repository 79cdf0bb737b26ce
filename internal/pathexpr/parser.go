// Package pathexpr parses secret-path expressions of the form
// "backend:args:path", the strings a template's secrets map declares.
package pathexpr

import (
	"regexp"
	"sort"
	"strings"

	rcerrors "github.com/systmms/rconfd/internal/errors"
)

// Expr is the parsed form of one secret-path expression, after variable
// substitution.
type Expr struct {
	Backend      string
	Positional   []string
	Keyword      map[string]string
	KeywordOrder []string
	Path         string
	Raw          string
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Substitute replaces every ${NAME} reference in raw using lookup. An
// undefined reference is an UnresolvedVariableError.
func Substitute(raw string, lookup func(string) (string, bool)) (string, error) {
	var outerErr error
	result := varPattern.ReplaceAllStringFunc(raw, func(match string) string {
		if outerErr != nil {
			return match
		}
		name := varPattern.FindStringSubmatch(match)[1]
		val, ok := lookup(name)
		if !ok {
			outerErr = rcerrors.UnresolvedVariableError{Name: name, Expr: raw}
			return match
		}
		return val
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

// splitUnescapedColon splits s on the first n unescaped ':' characters,
// returning up to n+1 parts. "\:" is unescaped to a literal ':' in every
// returned part.
func splitUnescapedColon(s string, n int) []string {
	var parts []string
	var cur strings.Builder
	i := 0
	for i < len(s) && len(parts) < n {
		c := s[i]
		if c == '\\' && i+1 < len(s) && s[i+1] == ':' {
			cur.WriteByte(':')
			i += 2
			continue
		}
		if c == ':' {
			parts = append(parts, cur.String())
			cur.Reset()
			i++
			continue
		}
		cur.WriteByte(c)
		i++
	}
	rest := s[i:]
	rest = strings.ReplaceAll(rest, `\:`, ":")
	parts = append(parts, rest)
	return parts
}

// Parse parses a single, already-substituted secret-path expression.
func Parse(raw, substituted string) (Expr, error) {
	parts := splitUnescapedColon(substituted, 2)
	if len(parts) != 3 {
		return Expr{}, rcerrors.PathSyntaxError{Expr: raw, Message: "expected backend:args:path"}
	}
	backend, argstr, path := parts[0], parts[1], parts[2]
	if backend == "" {
		return Expr{}, rcerrors.PathSyntaxError{Expr: raw, Message: "empty backend"}
	}

	e := Expr{
		Backend: backend,
		Keyword: map[string]string{},
		Path:    path,
		Raw:     raw,
	}

	if argstr == "" {
		return e, nil
	}

	tokens := strings.Split(argstr, ",")
	seenKeyword := false
	for _, tok := range tokens {
		if idx := strings.IndexByte(tok, '='); idx >= 0 {
			seenKeyword = true
			key := tok[:idx]
			val := tok[idx+1:]
			if key == "" {
				return Expr{}, rcerrors.PathSyntaxError{Expr: raw, Message: "empty keyword argument name"}
			}
			e.Keyword[key] = val
			e.KeywordOrder = append(e.KeywordOrder, key)
			continue
		}
		if seenKeyword {
			return Expr{}, rcerrors.PathSyntaxError{Expr: raw, Message: "positional argument after keyword argument"}
		}
		e.Positional = append(e.Positional, tok)
	}

	return e, nil
}

// Identity returns the canonical dedup key for this expression: the tuple
// (backend, ordered positional args, sorted keyword args, path).
func (e Expr) Identity() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	b.WriteByte('\x00')
	b.WriteString(strings.Join(e.Positional, "\x01"))
	b.WriteByte('\x00')

	keys := make([]string, len(e.KeywordOrder))
	copy(keys, e.KeywordOrder)
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(e.Keyword[k])
		b.WriteByte('\x01')
	}
	b.WriteByte('\x00')
	b.WriteString(e.Path)
	return b.String()
}

// ParseWithEnv substitutes ${NAME} references against lookup and parses the
// result in one step, the entry point used by the collect phase.
func ParseWithEnv(raw string, lookup func(string) (string, bool)) (Expr, error) {
	substituted, err := Substitute(raw, lookup)
	if err != nil {
		return Expr{}, err
	}
	return Parse(raw, substituted)
}
