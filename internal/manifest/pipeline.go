// Package manifest drives one collect-resolve-manifest pass across a set
// of templates: it merges declared secrets, resolves them through the
// secret cache, evaluates each template's jsonnet, and writes changed
// output files atomically.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/systmms/rconfd/internal/backend"
	"github.com/systmms/rconfd/internal/config"
	rcerrors "github.com/systmms/rconfd/internal/errors"
	"github.com/systmms/rconfd/internal/hooks"
	"github.com/systmms/rconfd/internal/jsonnetengine"
	"github.com/systmms/rconfd/internal/logging"
	"github.com/systmms/rconfd/internal/metrics"
	"github.com/systmms/rconfd/internal/pathexpr"
	"github.com/systmms/rconfd/internal/secretcache"
	"github.com/systmms/rconfd/internal/vaultclient"
	"github.com/systmms/rconfd/internal/writer"
)

// maxConcurrentFetches bounds per-identity fetch parallelism within a pass,
// per §5.
const maxConcurrentFetches = 16

// Config wires a Pipeline to its collaborators. Vault and ReadyFD are
// optional: Vault is nil when no Vault URL is configured, ReadyFD
// is nil when the process was not given a readiness descriptor.
type Config struct {
	Backends  map[string]backend.Backend
	Vault     *vaultclient.Client
	Cache     *secretcache.Cache
	Evaluator jsonnetengine.Evaluator
	Writer    *writer.Writer
	Hooks     *hooks.Runner
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	ReadyFD   io.WriteCloser
}

// Pipeline runs passes against a fixed set of collaborators, holding the
// process-lifetime state (has the ready hook fired yet) that spans passes.
type Pipeline struct {
	cfg        Config
	readyFired bool
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg}
}

// TemplateOutcome is one template's result within a pass.
type TemplateOutcome struct {
	Modified bool
	Err      error
}

// Result is the outcome of one full pass.
type Result struct {
	Outcomes     map[string]TemplateOutcome
	AnySucceeded bool
	ReadyFired   bool
}

type declaration struct {
	expr    pathexpr.Expr
	varName string
}

// RunPass performs one collect-resolve-manifest cycle. When only is nil,
// every template in set is processed; otherwise processing is restricted
// to the named template paths, the shape the scheduler's restricted passes
// use (§4.5).
func (p *Pipeline) RunPass(ctx context.Context, set *config.Set, only map[string]bool) Result {
	p.cfg.Cache.ResetRoleFailures()
	byTemplate, identities, collectErrs := p.collect(set, only)
	identityErrs := p.resolveIdentities(ctx, identities)
	secretValues := p.currentSecretValues(identities)

	result := Result{Outcomes: make(map[string]TemplateOutcome, len(byTemplate)+len(collectErrs))}

	for tplPath, err := range collectErrs {
		p.cfg.Logger.Error("%s: %v", tplPath, err)
		result.Outcomes[tplPath] = TemplateOutcome{Err: err}
	}

	evaluations, evalErrs := p.evaluateAll(set, byTemplate, identityErrs)
	for tplPath, err := range evalErrs {
		p.cfg.Logger.Error("%s: %v", tplPath, err)
		result.Outcomes[tplPath] = TemplateOutcome{Err: err}
	}

	for _, tplPath := range set.SortedPaths() {
		outputs, ok := evaluations[tplPath]
		if !ok {
			continue
		}
		rec := set.Templates[tplPath]

		modified, err := p.writeOutputs(rec, outputs)
		if err != nil {
			p.cfg.Logger.Error("%s: %v", tplPath, err)
			result.Outcomes[tplPath] = TemplateOutcome{Err: err}
			continue
		}

		result.Outcomes[tplPath] = TemplateOutcome{Modified: modified}
		result.AnySucceeded = true

		if modified {
			hookErr := p.cfg.Hooks.Run(ctx, "modified", rec.ModifiedHook(), secretValues)
			p.cfg.Metrics.HookInvoked("modified", hookErr == nil)
		}
	}

	if result.AnySucceeded && !p.readyFired {
		p.readyFired = true
		result.ReadyFired = true
		p.fireReady(ctx, set, result, secretValues)
	}

	return result
}

func (p *Pipeline) fireReady(ctx context.Context, set *config.Set, result Result, secretValues []string) {
	for _, tplPath := range set.SortedPaths() {
		outcome, ok := result.Outcomes[tplPath]
		if !ok || outcome.Err != nil {
			continue
		}
		rec := set.Templates[tplPath]
		if rec.Hooks.Ready == "" {
			continue
		}
		hookErr := p.cfg.Hooks.Run(ctx, "ready", rec.Hooks.Ready, secretValues)
		p.cfg.Metrics.HookInvoked("ready", hookErr == nil)
	}

	if p.cfg.ReadyFD != nil {
		if _, err := p.cfg.ReadyFD.Write([]byte("\n")); err != nil {
			p.cfg.Logger.Warn("readiness fd write failed: %v", err)
		}
		if err := p.cfg.ReadyFD.Close(); err != nil {
			p.cfg.Logger.Warn("readiness fd close failed: %v", err)
		}
	}
}

// currentSecretValues collects the raw resolved value of every identity
// touched by this pass, for redacting hook stderr: a hook script has no
// way to know which of its environment or arguments came from a secret,
// so rconfd blinds itself to the actual values instead.
func (p *Pipeline) currentSecretValues(identities map[string]pathexpr.Expr) []string {
	values := make([]string, 0, len(identities))
	for identity := range identities {
		entry, ok := p.cfg.Cache.Get(identity)
		if !ok {
			continue
		}
		v, err := entry.Value()
		if err != nil || v.Raw == "" {
			continue
		}
		values = append(values, v.Raw)
	}
	return values
}

// collect merges secret declarations from every selected template,
// deduplicating by canonical identity (invariant 1). A template whose
// declarations fail to parse is excluded and reported in the second
// return value rather than aborting the whole pass.
func (p *Pipeline) collect(set *config.Set, only map[string]bool) (map[string][]declaration, map[string]pathexpr.Expr, map[string]error) {
	byTemplate := make(map[string][]declaration)
	identities := make(map[string]pathexpr.Expr)
	errs := make(map[string]error)

	for _, tplPath := range set.SortedPaths() {
		if only != nil && !only[tplPath] {
			continue
		}
		rec := set.Templates[tplPath]

		rawExprs := make([]string, 0, len(rec.Secrets))
		for raw := range rec.Secrets {
			rawExprs = append(rawExprs, raw)
		}
		sort.Strings(rawExprs)

		decls := make([]declaration, 0, len(rawExprs))
		failed := false
		for _, raw := range rawExprs {
			expr, err := pathexpr.ParseWithEnv(raw, os.LookupEnv)
			if err != nil {
				errs[tplPath] = err
				failed = true
				break
			}
			decls = append(decls, declaration{expr: expr, varName: rec.Secrets[raw]})
			identities[expr.Identity()] = expr
		}
		if failed {
			continue
		}
		byTemplate[tplPath] = decls
	}

	return byTemplate, identities, errs
}

// DeclaredIdentities returns, for the whole set, a mapping from canonical
// secret identity to the template paths that declare it, and the subset
// of identities that are exe:dynamic declarations. The scheduler uses the
// first to decide which templates a refreshed secret should re-manifest,
// and the second to decide whether daemon mode is warranted at all even
// with no leased Vault secrets.
func (p *Pipeline) DeclaredIdentities(set *config.Set) (map[string][]string, map[string]bool) {
	byTemplate, _, _ := p.collect(set, nil)

	templatesByIdentity := make(map[string][]string)
	dynamic := make(map[string]bool)

	for tplPath, decls := range byTemplate {
		for _, d := range decls {
			id := d.expr.Identity()
			templatesByIdentity[id] = append(templatesByIdentity[id], tplPath)
			if d.expr.Backend == pathexpr.BackendExe {
				if args, err := pathexpr.ValidateExe(d.expr); err == nil && args.Mode == pathexpr.ExecDynamic {
					dynamic[id] = true
				}
			}
		}
	}

	return templatesByIdentity, dynamic
}

// resolveIdentities fetches every identity not already cached, bounded to
// maxConcurrentFetches concurrent fetches, and returns the per-identity
// errors of whichever fetches failed.
func (p *Pipeline) resolveIdentities(ctx context.Context, identities map[string]pathexpr.Expr) map[string]error {
	errs := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrentFetches)

	for identity, expr := range identities {
		if _, ok := p.cfg.Cache.Get(identity); ok {
			continue
		}

		wg.Add(1)
		go func(identity string, e pathexpr.Expr) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			_, err := p.cfg.Cache.Fetch(identity, func() (backend.Value, *vaultclient.Lease, string, error) {
				return p.resolveOne(ctx, e)
			})

			p.cfg.Metrics.FetchCompleted(e.Backend, err == nil)
			if err != nil {
				mu.Lock()
				errs[identity] = err
				mu.Unlock()
			}
		}(identity, expr)
	}

	wg.Wait()
	return errs
}

// resolveOne dispatches one expression to its backend, or to the Vault
// client for the vault: tag.
func (p *Pipeline) resolveOne(ctx context.Context, e pathexpr.Expr) (backend.Value, *vaultclient.Lease, string, error) {
	if e.Backend == pathexpr.BackendVault {
		return p.resolveVault(ctx, e)
	}

	be, ok := p.cfg.Backends[e.Backend]
	if !ok {
		return backend.Value{}, nil, "", rcerrors.PathSyntaxError{Expr: e.Raw, Message: "unknown backend " + e.Backend}
	}
	v, err := be.Fetch(ctx, e)
	return v, nil, "", err
}

func (p *Pipeline) resolveVault(ctx context.Context, e pathexpr.Expr) (backend.Value, *vaultclient.Lease, string, error) {
	if p.cfg.Vault == nil {
		return backend.Value{}, nil, "", rcerrors.ConfigError{Path: e.Raw, Message: "vault secret declared but no vault url configured"}
	}

	args, err := pathexpr.ValidateVault(e)
	if err != nil {
		return backend.Value{}, nil, "", err
	}

	if p.cfg.Cache.RoleFailed(args.Role) {
		return backend.Value{}, nil, args.Role, rcerrors.AuthFailureError{Role: args.Role}
	}

	result, err := p.cfg.Vault.Fetch(ctx, args.Role, methodOrDefault(args.Method), e.Path, args.Body)
	if err != nil {
		var authErr rcerrors.AuthFailureError
		if errors.As(err, &authErr) {
			p.cfg.Cache.MarkRoleFailed(args.Role)
		}
		return backend.Value{}, nil, args.Role, err
	}

	rawBytes, err := json.Marshal(result.Value)
	if err != nil {
		return backend.Value{}, nil, args.Role, rcerrors.BadFormatError{Backend: pathexpr.BackendVault, Path: e.Path, Err: err}
	}
	raw := string(rawBytes)

	return backend.Value{Raw: raw, JSON: true}, result.Lease, args.Role, nil
}

func methodOrDefault(m string) string {
	if m == "" {
		return "GET"
	}
	return m
}

// evaluateAll invokes the jsonnet evaluator for every collected template
// and detects output-path collisions across the whole pass, per the
// resolved open question: a colliding pair is a fatal ConfigError for both
// templates rather than a race between their writes.
func (p *Pipeline) evaluateAll(set *config.Set, byTemplate map[string][]declaration, identityErrs map[string]error) (map[string]map[string]string, map[string]error) {
	results := make(map[string]map[string]string)
	errs := make(map[string]error)
	owner := make(map[string]string)
	colliding := make(map[string]bool)

	for _, tplPath := range set.SortedPaths() {
		decls, ok := byTemplate[tplPath]
		if !ok {
			continue
		}
		rec := set.Templates[tplPath]

		outputs, err := p.evaluateTemplate(tplPath, rec, decls, identityErrs)
		if err != nil {
			errs[tplPath] = err
			continue
		}

		for fullPath := range outputs {
			if other, exists := owner[fullPath]; exists && other != tplPath {
				colliding[other] = true
				colliding[tplPath] = true
				continue
			}
			owner[fullPath] = tplPath
		}
		results[tplPath] = outputs
	}

	for tplPath := range colliding {
		delete(results, tplPath)
		errs[tplPath] = rcerrors.ConfigError{
			Path:    tplPath,
			Message: "output path collides with another template's output",
		}
	}

	return results, errs
}

func (p *Pipeline) evaluateTemplate(tplPath string, rec config.TemplateRecord, decls []declaration, identityErrs map[string]error) (map[string]string, error) {
	secretsObj := make(map[string]interface{}, len(decls))

	for _, d := range decls {
		identity := d.expr.Identity()
		if err, failed := identityErrs[identity]; failed {
			return nil, err
		}

		entry, ok := p.cfg.Cache.Get(identity)
		if !ok {
			return nil, rcerrors.MissingInputError{Backend: d.expr.Backend, Path: d.expr.Path}
		}

		value, err := entry.Value()
		if err != nil {
			return nil, err
		}
		resolved, err := value.Resolve()
		if err != nil {
			return nil, rcerrors.BadFormatError{Backend: d.expr.Backend, Path: d.expr.Path, Err: err}
		}
		secretsObj[d.varName] = resolved
	}

	raw, err := p.cfg.Evaluator.Evaluate(tplPath, secretsObj)
	if err != nil {
		return nil, err
	}

	full := make(map[string]string, len(raw))
	for outPath, content := range raw {
		fullPath := outPath
		if !filepath.IsAbs(fullPath) && rec.Dir != "" {
			fullPath = filepath.Join(rec.Dir, fullPath)
		}
		full[fullPath] = content
	}
	return full, nil
}

// writeOutputs writes every output file of one template, in the
// deterministic order of their paths, and reports whether any of them
// changed. A per-file IoError does not affect the remaining files (§7).
func (p *Pipeline) writeOutputs(rec config.TemplateRecord, outputs map[string]string) (bool, error) {
	mode := parseMode(rec.Mode)
	modified := false
	var lastErr error

	paths := make([]string, 0, len(outputs))
	for path := range outputs {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		changed, err := p.cfg.Writer.Write(writer.FileSpec{
			Path:    path,
			Content: []byte(outputs[path]),
			Mode:    mode,
			User:    rec.User,
		})
		if err != nil {
			p.cfg.Logger.Error("%s: %v", path, err)
			lastErr = err
			continue
		}
		if changed {
			modified = true
		}
	}

	return modified, lastErr
}

func parseMode(s string) os.FileMode {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0
	}
	return os.FileMode(v)
}
