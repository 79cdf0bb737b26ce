// Package scheduler drives rconfd's daemon-mode event loop: an initial
// full pass, then sleeping until the earliest Vault token or lease
// renewal deadline (or dynamic exe refresh) and performing the minimum
// work required on wake, per §4.5.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/systmms/rconfd/internal/config"
	"github.com/systmms/rconfd/internal/logging"
	"github.com/systmms/rconfd/internal/manifest"
	"github.com/systmms/rconfd/internal/metrics"
	"github.com/systmms/rconfd/internal/secretcache"
	"github.com/systmms/rconfd/internal/vaultclient"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 60 * time.Second

	// defaultDynamicRefreshInterval is used only until at least one lease
	// duration has actually been observed; once one has, the dynamic
	// refresh tick tracks the tightest lease half-life seen so far, per
	// §4.5 (next_dynamic_refresh = now + min_lease_half_life).
	defaultDynamicRefreshInterval = 30 * time.Second
)

// Config wires a Scheduler to its collaborators. Vault is nil when no
// Vault URL is configured.
type Config struct {
	Pipeline *manifest.Pipeline
	Vault    *vaultclient.Client
	Cache    *secretcache.Cache
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// Scheduler runs the Starting/Running state machine for one process
// lifetime.
type Scheduler struct {
	cfg               Config
	backoff           time.Duration
	dynamicIdentities map[string]bool

	// minLeaseHalfLife is the tightest lease-duration/2 observed across
	// every lease seen so far. Zero means no lease has been observed yet.
	minLeaseHalfLife time.Duration
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg, backoff: minBackoff}
}

type eventKind int

const (
	eventToken eventKind = iota
	eventLease
	eventDynamic
)

type event struct {
	kind     eventKind
	role     string
	identity string
}

// Run performs the startup pass and, if daemon mode is warranted, the
// Running state's wake/renew/re-manifest loop, until ctx is cancelled by
// SIGTERM/SIGINT. A non-nil return means the process should exit non-zero.
func (s *Scheduler) Run(ctx context.Context, set *config.Set) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := s.cfg.Pipeline.RunPass(ctx, set, nil)
	s.cfg.Metrics.PassCompleted(result.AnySucceeded)

	if len(set.Templates) > 0 && !result.AnySucceeded {
		return summarizeFailure(result)
	}

	templatesByIdentity, dynamicIdentities := s.cfg.Pipeline.DeclaredIdentities(set)
	s.dynamicIdentities = dynamicIdentities

	hasDynamic := len(dynamicIdentities) > 0
	hasLeased := len(s.cfg.Cache.LeasedIdentities()) > 0

	if !hasLeased && !hasDynamic {
		s.cfg.Logger.Info("no leased secrets used")
		return nil
	}

	s.backoff = minBackoff

	for {
		wakeAt, ev := s.nextEvent(hasDynamic)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(wakeAt)):
		}

		refreshed := s.handleEvent(ctx, ev)
		if len(refreshed) == 0 {
			continue
		}

		only := make(map[string]bool)
		for _, id := range refreshed {
			for _, tpl := range templatesByIdentity[id] {
				only[tpl] = true
			}
		}
		if len(only) == 0 {
			continue
		}

		passResult := s.cfg.Pipeline.RunPass(ctx, set, only)
		ok := true
		for _, o := range passResult.Outcomes {
			if o.Err != nil {
				ok = false
			}
		}
		s.cfg.Metrics.PassCompleted(ok)
		if ok {
			s.backoff = minBackoff
		} else {
			s.sleepBackoff(ctx)
		}
	}
}

// nextEvent finds the earliest of the current token renewal deadlines,
// lease renewal deadlines, and (when exe:dynamic declarations exist) the
// next dynamic refresh tick.
func (s *Scheduler) nextEvent(hasDynamic bool) (time.Time, event) {
	var best time.Time
	var chosen event

	consider := func(t time.Time, e event) {
		if best.IsZero() || t.Before(best) {
			best = t
			chosen = e
		}
	}

	if s.cfg.Vault != nil {
		for role, sess := range s.cfg.Vault.Sessions() {
			consider(sess.AuthDeadline, event{kind: eventToken, role: role})
		}
	}

	for _, id := range s.cfg.Cache.LeasedIdentities() {
		entry, ok := s.cfg.Cache.Get(id)
		if !ok || entry.Lease == nil {
			continue
		}
		s.observeLeaseDuration(entry.Lease.LeaseDuration)
		consider(entry.Lease.RenewDeadline(), event{kind: eventLease, identity: id, role: entry.Role})
	}

	if hasDynamic {
		consider(time.Now().Add(s.dynamicRefreshInterval()), event{kind: eventDynamic})
	}

	if best.IsZero() {
		best = time.Now().Add(s.dynamicRefreshInterval())
	}
	return best, chosen
}

// observeLeaseDuration folds a freshly seen or renewed lease's duration
// into the tightest half-life tracked so far.
func (s *Scheduler) observeLeaseDuration(d time.Duration) {
	half := d / 2
	if half <= 0 {
		return
	}
	if s.minLeaseHalfLife == 0 || half < s.minLeaseHalfLife {
		s.minLeaseHalfLife = half
	}
}

// dynamicRefreshInterval is the period between exe:dynamic re-evaluations:
// the tightest lease half-life observed so far, or a fixed default before
// any lease has been seen at all.
func (s *Scheduler) dynamicRefreshInterval() time.Duration {
	if s.minLeaseHalfLife > 0 {
		return s.minLeaseHalfLife
	}
	return defaultDynamicRefreshInterval
}

// handleEvent performs the renewal or invalidation an event calls for and
// returns the identities whose value may have changed, driving which
// templates get re-manifested.
func (s *Scheduler) handleEvent(ctx context.Context, ev event) []string {
	switch ev.kind {
	case eventToken:
		err := s.cfg.Vault.RenewToken(ctx, ev.role)
		s.cfg.Metrics.TokenRenewed(err == nil)
		if err != nil {
			s.cfg.Logger.Warn("token renewal for role %q failed: %v", ev.role, err)
			s.cfg.Cache.MarkRoleFailed(ev.role)
		}
		return nil

	case eventLease:
		entry, ok := s.cfg.Cache.Get(ev.identity)
		if !ok || entry.Lease == nil {
			return nil
		}
		renewed, err := s.cfg.Vault.RenewLease(ctx, ev.role, *entry.Lease)
		s.cfg.Metrics.LeaseRenewed(err == nil)
		if err != nil {
			s.cfg.Logger.Warn("lease renewal for %s failed, will re-fetch: %v", ev.identity, err)
			s.cfg.Cache.Invalidate(ev.identity)
			return []string{ev.identity}
		}
		s.observeLeaseDuration(renewed.LeaseDuration)
		entry.Lease = &renewed
		entry.FetchedAt = time.Now()
		s.cfg.Cache.Replace(ev.identity, entry)
		return nil

	case eventDynamic:
		refreshed := make([]string, 0, len(s.dynamicIdentities))
		for id := range s.dynamicIdentities {
			s.cfg.Cache.Invalidate(id)
			refreshed = append(refreshed, id)
		}
		return refreshed

	default:
		return nil
	}
}

func (s *Scheduler) sleepBackoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.backoff):
	}
	s.backoff *= 2
	if s.backoff > maxBackoff {
		s.backoff = maxBackoff
	}
}

func summarizeFailure(result manifest.Result) error {
	paths := make([]string, 0, len(result.Outcomes))
	for p := range result.Outcomes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var msgs []string
	for _, p := range paths {
		if err := result.Outcomes[p].Err; err != nil {
			msgs = append(msgs, fmt.Sprintf("%s: %v", p, err))
		}
	}
	return fmt.Errorf("no template produced output on first pass: %s", strings.Join(msgs, "; "))
}
