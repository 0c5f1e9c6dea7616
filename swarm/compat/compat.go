package compat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alexngai/gitswarm-sub001/swarm/gating"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// AuthorityTierPrefix marks plugin tiers that execute on the remote
// authority. A disconnected instance can never run them.
const AuthorityTierPrefix = "authority/"

// RequiresAuthority reports whether the plugin tier executes remotely.
func RequiresAuthority(tier string) bool {
	return strings.HasPrefix(tier, AuthorityTierPrefix)
}

// Handlers reports which plugin tiers have a local handler installed.
type Handlers interface {
	Has(pluginID string) bool
}

// HandlerSet is a static Handlers backed by a set of plugin ids.
type HandlerSet map[string]struct{}

// NewHandlerSet builds a HandlerSet from the given plugin ids.
func NewHandlerSet(ids ...string) HandlerSet {
	set := make(HandlerSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s HandlerSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Severity grades a diagnostic.
type Severity string

const (
	// SeverityWarning flags configuration that cannot work as declared.
	SeverityWarning Severity = "warning"
	// SeverityInfo flags configuration that silently degrades.
	SeverityInfo Severity = "info"
)

// Diagnostic is one compatibility finding for a repo's declared plugin
// tier. Callers decide how to surface it.
type Diagnostic struct {
	RepoID   string   `json:"repo_id"`
	PluginID string   `json:"plugin_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s] %s: %s", d.Severity, d.RepoID, d.Message)
}

// Check inspects one repo's declared plugin tiers against the operating
// mode and the locally installed handlers. A synced instance defers
// plugin execution to the authority, so it produces no findings.
func Check(repo *store.Repo, mode gating.OperatingMode, handlers Handlers) []Diagnostic {
	if repo == nil || mode == gating.ModeSynced {
		return nil
	}
	var out []Diagnostic
	for _, tier := range repo.PluginTiers {
		if tier == "" {
			continue
		}
		switch {
		case RequiresAuthority(tier):
			out = append(out, Diagnostic{
				RepoID:   repo.ID,
				PluginID: tier,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("plugin tier %s requires a remote authority session", tier),
			})
		case handlers == nil || !handlers.Has(tier):
			out = append(out, Diagnostic{
				RepoID:   repo.ID,
				PluginID: tier,
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("plugin tier %s has no local handler; its triggers will be skipped", tier),
			})
		}
	}
	return out
}

// SkippedPlugins returns the declared tiers that will not run locally
// for a trigger fired in the given mode. Synced instances report
// nothing; the authority runs their plugins.
func SkippedPlugins(repo *store.Repo, mode gating.OperatingMode, handlers Handlers) []string {
	if repo == nil || mode == gating.ModeSynced {
		return nil
	}
	var skipped []string
	for _, tier := range repo.PluginTiers {
		if tier == "" {
			continue
		}
		if handlers == nil || !handlers.Has(tier) {
			skipped = append(skipped, tier)
		}
	}
	return skipped
}

// Reporter logs skipped plugin triggers so operators can diagnose
// silent no-ops.
type Reporter struct {
	logger *zap.Logger
}

// NewReporter creates a reporter. A nil logger disables output.
func NewReporter(logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{logger: logger.With(zap.String("component", "compat"))}
}

// ReportSkipped records that the plugins declared for a trigger were
// not executed.
func (r *Reporter) ReportSkipped(eventType store.EventType, pluginIDs []string) {
	if len(pluginIDs) == 0 {
		return
	}
	r.logger.Warn("plugin triggers skipped",
		zap.String("event_type", string(eventType)),
		zap.Strings("skipped_plugins", pluginIDs),
		zap.Int("count", len(pluginIDs)))
}

// Scanner runs Check across every configured repo.
type Scanner struct {
	repos    store.RepoStore
	handlers Handlers
	logger   *zap.Logger
}

// NewScanner creates a scanner over the repo configuration store.
func NewScanner(repos store.RepoStore, handlers Handlers, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		repos:    repos,
		handlers: handlers,
		logger:   logger.With(zap.String("component", "compat")),
	}
}

// Scan checks all repos concurrently and returns the findings sorted
// by repo and plugin id.
func (s *Scanner) Scan(ctx context.Context, mode gating.OperatingMode) ([]Diagnostic, error) {
	repos, err := s.repos.List(ctx)
	if err != nil {
		return nil, err
	}

	results := make([][]Diagnostic, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = Check(repo, mode, s.handlers)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Diagnostic
	for _, diags := range results {
		out = append(out, diags...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RepoID != out[j].RepoID {
			return out[i].RepoID < out[j].RepoID
		}
		return out[i].PluginID < out[j].PluginID
	})

	if len(out) > 0 {
		s.logger.Info("compatibility scan found issues",
			zap.Int("diagnostics", len(out)),
			zap.Int("repos", len(repos)))
	}
	return out, nil
}
