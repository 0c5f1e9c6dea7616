// Package gitswarm wires the subordinate side of a federation into one
// engine: durable storage, the sync queue, the consensus evaluator,
// the gating coordinator and the proposal executor.
//
// Usage:
//
//	import gitswarm "github.com/alexngai/gitswarm-sub001"
//
//	eng, diags, err := gitswarm.Open(ctx,
//		gitswarm.WithAgentID("agent-7"),
//		gitswarm.WithCascadeRoot("/srv/repos"),
//	)
//	defer eng.Close()
//
//	outcome, err := eng.RequestMerge(ctx, "alice", streamID)
//
// A disconnected engine decides everything locally. A synced engine
// needs an authority client (WithAuthority or WithAuthorityConfig),
// flushes queued review events before trusting local consensus, and
// delegates gated merges to the authority instead of re-checking them
// here. OpenFromConfig builds the same engine from a loaded
// configuration file.
package gitswarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/config"
	"github.com/alexngai/gitswarm-sub001/internal/metrics"
	"github.com/alexngai/gitswarm-sub001/swarm/authority"
	"github.com/alexngai/gitswarm-sub001/swarm/backend"
	"github.com/alexngai/gitswarm-sub001/swarm/compat"
	"github.com/alexngai/gitswarm-sub001/swarm/consensus"
	"github.com/alexngai/gitswarm-sub001/swarm/executor"
	"github.com/alexngai/gitswarm-sub001/swarm/gating"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
	"github.com/alexngai/gitswarm-sub001/swarm/store/archive"
	"github.com/alexngai/gitswarm-sub001/swarm/syncqueue"
)

// ErrDisconnected marks sync queue operations on an engine that runs
// without one.
var ErrDisconnected = errors.New("gitswarm: engine runs disconnected, no sync queue")

// Shorthand for the types common flows hand back, so callers rarely
// import the swarm packages directly.
type (
	Decision    = gating.Decision
	Diagnostic  = compat.Diagnostic
	FlushResult = syncqueue.FlushResult
)

// =============================================================================
// Options
// =============================================================================

// Option configures the engine created by Open.
type Option func(*options)

type options struct {
	agentID     string
	mode        gating.OperatingMode
	st          store.Store
	storeConfig *store.StoreConfig
	auth        authority.Client
	authConfig  *authority.ClientConfig
	backends    []backend.Backend
	cascadeRoot string
	hosting     *config.HostingConfig
	archive     *config.ArchiveConfig
	handlers    []string
	sink        executor.ArchiveSink
	collector   *metrics.Collector
	logger      *zap.Logger
	batchSize   int
}

// WithAgentID sets this instance's agent identifier, used in authority
// requests and queued sync events.
func WithAgentID(id string) Option {
	return func(o *options) { o.agentID = id }
}

// WithMode selects disconnected or synced operation.
func WithMode(mode gating.OperatingMode) Option {
	return func(o *options) { o.mode = mode }
}

// WithStore uses a pre-built store. The caller keeps ownership and
// Close will not close it.
func WithStore(st store.Store) Option {
	return func(o *options) { o.st = st }
}

// WithStoreConfig builds the store from the given configuration.
// Defaults to the in-memory store.
func WithStoreConfig(cfg store.StoreConfig) Option {
	return func(o *options) { o.storeConfig = &cfg }
}

// WithAuthority sets a pre-built authority client.
func WithAuthority(client authority.Client) Option {
	return func(o *options) { o.auth = client }
}

// WithAuthorityConfig builds an HTTP authority client from the given
// configuration. Its AgentID defaults to the engine's.
func WithAuthorityConfig(cfg authority.ClientConfig) Option {
	return func(o *options) { o.authConfig = &cfg }
}

// WithBackends replaces the default merge engines.
func WithBackends(engines ...backend.Backend) Option {
	return func(o *options) { o.backends = engines }
}

// WithCascadeRoot sets the directory holding the cascade engine's
// working trees. Ignored when WithBackends is used.
func WithCascadeRoot(root string) Option {
	return func(o *options) { o.cascadeRoot = root }
}

// WithPluginHandlers declares the plugin handler ids installed
// locally, consumed by compatibility signaling.
func WithPluginHandlers(ids ...string) Option {
	return func(o *options) { o.handlers = ids }
}

// WithArchiveSink mirrors committed merge records into the sink.
func WithArchiveSink(sink executor.ArchiveSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithCollector publishes engine metrics through the collector.
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBatchSize caps how many events one sync flush push carries.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// =============================================================================
// Engine
// =============================================================================

// Engine is the subordinate-side entry point. All methods are safe for
// concurrent use; coordination lives in the underlying components.
type Engine struct {
	agentID   string
	mode      gating.OperatingMode
	st        store.Store
	ownsStore bool
	auth      authority.Client
	queue     *syncqueue.Queue
	evaluator *consensus.Evaluator
	gate      *gating.Coordinator
	exec      *executor.Executor
	handlers  compat.HandlerSet
	reporter  *compat.Reporter
	archiver  *archive.Archiver
	asyncSink *archive.AsyncArchiver
	collector *metrics.Collector
	logger    *zap.Logger
}

// Open wires an engine and runs the compatibility scan over the repos
// already in the store. The diagnostics are advisory; the engine works
// regardless of what they report.
func Open(ctx context.Context, opts ...Option) (*Engine, []Diagnostic, error) {
	o := &options{
		agentID: "local",
		mode:    gating.ModeDisconnected,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	st := o.st
	ownsStore := false
	if st == nil {
		sc := store.DefaultStoreConfig()
		if o.storeConfig != nil {
			sc = *o.storeConfig
		}
		var err error
		st, err = store.NewStore(sc, o.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		ownsStore = true
	}
	closeOnError := func() {
		if ownsStore {
			_ = st.Close()
		}
	}

	auth := o.auth
	if auth == nil && o.authConfig != nil {
		cc := clientConfigDefaults(*o.authConfig)
		if cc.AgentID == "" {
			cc.AgentID = o.agentID
		}
		auth = authority.NewHTTPClient(cc)
	}

	var queue *syncqueue.Queue
	if o.mode == gating.ModeSynced {
		if auth == nil {
			closeOnError()
			return nil, nil, fmt.Errorf("synced mode needs an authority: use WithAuthority or WithAuthorityConfig")
		}
		qc := syncqueue.DefaultConfig(o.agentID)
		if o.batchSize > 0 {
			qc.BatchSize = o.batchSize
		}
		queue = syncqueue.New(qc, st.SyncEvents(), auth, o.logger)
	}

	// The evaluator flushes before counting reviews only when a queue
	// exists. The interface must stay untyped nil otherwise.
	var flusher consensus.Flusher
	if queue != nil {
		flusher = queue
	}
	evaluator := consensus.NewEvaluator(st.Reviews(), flusher, o.logger)

	engines := o.backends
	if len(engines) == 0 {
		root := o.cascadeRoot
		if root == "" {
			root = "./repos"
		}
		engines = []backend.Backend{
			backend.NewCascade(backend.CascadeConfig{Root: root}, nil, o.logger),
		}
		if o.hosting != nil && o.hosting.BaseURL != "" {
			client := backend.NewHTTPHostingClient(
				o.hosting.BaseURL,
				o.hosting.Token,
				backend.WithHostingTimeout(o.hosting.Timeout),
				backend.WithHostingRetries(o.hosting.RetryCount, o.hosting.RetryDelay),
				backend.WithHostingLogger(o.logger),
			)
			engines = append(engines, backend.NewRemoteAPI(client, o.logger))
		}
	}
	resolver := backend.NewResolver(engines...)

	eng := &Engine{
		agentID:   o.agentID,
		mode:      o.mode,
		st:        st,
		ownsStore: ownsStore,
		auth:      auth,
		queue:     queue,
		evaluator: evaluator,
		gate:      gating.NewCoordinator(gating.Config{AgentID: o.agentID, Mode: o.mode}, evaluator, auth, queue, o.logger),
		handlers:  compat.NewHandlerSet(o.handlers...),
		reporter:  compat.NewReporter(o.logger),
		collector: o.collector,
		logger:    o.logger.With(zap.String("component", "engine")),
	}

	sink := o.sink
	if sink == nil && o.archive != nil && o.archive.Enabled {
		archiver, err := archive.New(archive.Config{
			Enabled:        true,
			URI:            o.archive.URI,
			Database:       o.archive.Database,
			Collection:     o.archive.Collection,
			ConnectTimeout: o.archive.ConnectTimeout,
		}, o.logger)
		if err != nil {
			eng.logger.Warn("merge record archive unavailable", zap.Error(err))
		} else {
			eng.archiver = archiver
			eng.asyncSink = archive.NewAsync(archiver, archive.DefaultAsyncConfig(), o.collector, o.logger)
			sink = eng.asyncSink
		}
	}
	exec := executor.New(st, resolver, o.logger)
	if sink != nil {
		exec = exec.WithArchiveSink(sink)
	}
	eng.exec = exec

	diags, err := compat.NewScanner(st.Repos(), eng.handlers, o.logger).Scan(ctx, o.mode)
	if err != nil {
		_ = eng.Close()
		return nil, nil, fmt.Errorf("compatibility scan: %w", err)
	}

	eng.logger.Info("engine open",
		zap.String("agent_id", o.agentID),
		zap.String("mode", string(o.mode)),
		zap.Bool("synced_queue", queue != nil),
		zap.Int("diagnostics", len(diags)),
	)
	return eng, diags, nil
}

// OpenFromConfig builds an engine from a loaded configuration.
// Explicit options override what the configuration says. Metrics stay
// off unless the caller passes WithCollector; collectors register on
// the process-global Prometheus registry and the engine will not guess
// whether this process already owns one.
func OpenFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, []Diagnostic, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("nil configuration")
	}

	base := make([]Option, 0, 8)
	if cfg.Agent.ID != "" {
		base = append(base, WithAgentID(cfg.Agent.ID))
	}
	if cfg.Agent.Mode != "" {
		base = append(base, WithMode(gating.OperatingMode(cfg.Agent.Mode)))
	}
	base = append(base, WithStoreConfig(storeConfig(cfg)))
	if cfg.Agent.Mode == config.ModeSynced && cfg.Authority.BaseURL != "" {
		base = append(base, WithAuthorityConfig(authorityClientConfig(cfg)))
	}
	base = append(base, WithCascadeRoot(cfg.Backends.CascadeRoot))
	if len(cfg.Compat.Handlers) > 0 {
		base = append(base, WithPluginHandlers(cfg.Compat.Handlers...))
	}
	hosting := cfg.Backends.Hosting
	arch := cfg.Archive
	base = append(base, func(o *options) {
		o.hosting = &hosting
		o.archive = &arch
	})

	return Open(ctx, append(base, opts...)...)
}

// storeConfig maps the application configuration onto the store
// factory's.
func storeConfig(cfg *config.Config) store.StoreConfig {
	sc := store.DefaultStoreConfig()
	if cfg.Store.Type != "" {
		sc.Type = store.StoreType(cfg.Store.Type)
	}
	switch sc.Type {
	case store.StoreTypeGorm:
		sc.Gorm = store.GormStoreConfig{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DSN(),
			// sqlite is the dev backend; postgres and mysql schemas
			// are managed by the migrate CLI.
			AutoMigrate: cfg.Database.Driver == "sqlite",
		}
	case store.StoreTypeRedis:
		host, port := splitRedisAddr(cfg.Redis.Addr)
		sc.Redis = store.RedisStoreConfig{
			Host:      host,
			Port:      port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Store.RedisPrefix,
		}
	}
	return sc
}

func splitRedisAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 6379
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 6379
	}
	return host, port
}

// clientConfigDefaults fills zero fields from the client defaults so a
// hand-built configuration never runs without timeouts.
func clientConfigDefaults(cc authority.ClientConfig) *authority.ClientConfig {
	def := authority.DefaultClientConfig()
	if cc.Timeout <= 0 {
		cc.Timeout = def.Timeout
	}
	if cc.RetryCount <= 0 {
		cc.RetryCount = def.RetryCount
	}
	if cc.RetryDelay <= 0 {
		cc.RetryDelay = def.RetryDelay
	}
	if cc.SessionTTL <= 0 {
		cc.SessionTTL = def.SessionTTL
	}
	if cc.ProbeTTL <= 0 {
		cc.ProbeTTL = def.ProbeTTL
	}
	if cc.ProbeTimeout <= 0 {
		cc.ProbeTimeout = def.ProbeTimeout
	}
	return &cc
}

// authorityClientConfig maps the authority section onto the client's
// configuration. Zero values pick up the client defaults at Open.
func authorityClientConfig(cfg *config.Config) authority.ClientConfig {
	return authority.ClientConfig{
		BaseURL:      cfg.Authority.BaseURL,
		AgentID:      cfg.Agent.ID,
		Secret:       cfg.Authority.Secret,
		Token:        cfg.Authority.Token,
		Timeout:      cfg.Authority.Timeout,
		RetryCount:   cfg.Authority.RetryCount,
		RetryDelay:   cfg.Authority.RetryDelay,
		SessionTTL:   cfg.Authority.SessionTTL,
		ProbeTTL:     cfg.Authority.ProbeTTL,
		ProbeTimeout: cfg.Authority.ProbeTimeout,
	}
}

// AgentID returns this instance's agent identifier.
func (e *Engine) AgentID() string { return e.agentID }

// Mode returns the operating mode the engine was opened with.
func (e *Engine) Mode() gating.OperatingMode { return e.mode }

// Store exposes the underlying store for flows the engine does not
// wrap, such as loading streams or walking the audit trail.
func (e *Engine) Store() store.Store { return e.st }

// Online probes authority reachability. Disconnected engines are
// never online.
func (e *Engine) Online(ctx context.Context) bool {
	return e.auth != nil && e.auth.Online(ctx)
}

// Close releases engine resources. Stores passed through WithStore
// stay open; everything the engine created is shut down.
func (e *Engine) Close() error {
	var errs []error
	if e.asyncSink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.asyncSink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if e.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.archiver.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if e.ownsStore {
		if err := e.st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Local mutations
// =============================================================================

// RegisterRepo saves a repo's governance configuration and reports
// plugin compatibility for its declared tiers. Merge mode defaults to
// review and the backend to cascade.
func (e *Engine) RegisterRepo(ctx context.Context, repo *store.Repo) ([]Diagnostic, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: nil repo", store.ErrInvalidInput)
	}
	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	if repo.MergeMode == "" {
		repo.MergeMode = store.MergeModeReview
	}
	if repo.GitBackend == "" {
		repo.GitBackend = store.BackendCascade
	}
	if err := repo.Validate(); err != nil {
		return nil, fmt.Errorf("repo %s: %w", repo.ID, err)
	}
	if err := e.st.Repos().Save(ctx, repo); err != nil {
		return nil, err
	}
	return compat.Check(repo, e.mode, e.handlers), nil
}

// CreateStream registers a stream, in draft unless a status is set,
// and announces it to the authority when synced.
func (e *Engine) CreateStream(ctx context.Context, stream *store.Stream) error {
	if stream == nil || stream.RepoID == "" {
		return fmt.Errorf("%w: stream needs a repo id", store.ErrInvalidInput)
	}
	repo, err := e.st.Repos().Get(ctx, stream.RepoID)
	if err != nil {
		return fmt.Errorf("repo configuration %s: %w", stream.RepoID, err)
	}
	if stream.ID == "" {
		stream.ID = uuid.New().String()
	}
	if stream.ReviewStatus == "" {
		stream.ReviewStatus = store.StreamDraft
	}
	if err := e.st.Streams().Save(ctx, stream); err != nil {
		return err
	}
	return e.announce(ctx, repo, store.EventActivity, map[string]string{
		"action":    "stream_created",
		"stream_id": stream.ID,
		"repo_id":   repo.ID,
		"branch":    stream.Branch,
	})
}

// SubmitForReview moves a draft stream to pending so reviews start
// counting toward consensus.
func (e *Engine) SubmitForReview(ctx context.Context, streamID string) (*store.Stream, error) {
	stream, err := e.st.Streams().Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	repo, err := e.st.Repos().Get(ctx, stream.RepoID)
	if err != nil {
		return nil, fmt.Errorf("repo configuration %s: %w", stream.RepoID, err)
	}
	if stream.ReviewStatus != store.StreamDraft {
		return nil, fmt.Errorf("%w: cannot submit stream %s in status %s",
			store.ErrInvalidTransition, stream.ID, stream.ReviewStatus)
	}
	if err := e.st.Streams().UpdateStatus(ctx, stream.ID, store.StreamPending); err != nil {
		return nil, err
	}
	stream.ReviewStatus = store.StreamPending
	if err := e.announce(ctx, repo, store.EventSubmitReview, map[string]string{
		"stream_id": stream.ID,
		"repo_id":   repo.ID,
		"branch":    stream.Branch,
	}); err != nil {
		return nil, err
	}
	return stream, nil
}

// SubmitReview records a reviewer verdict on a stream.
func (e *Engine) SubmitReview(ctx context.Context, review *store.Review) error {
	if review == nil || review.StreamID == "" || review.ReviewerID == "" {
		return fmt.Errorf("%w: review needs a stream and a reviewer", store.ErrInvalidInput)
	}
	switch review.Verdict {
	case store.VerdictApprove, store.VerdictReject:
	default:
		return fmt.Errorf("%w: verdict %q", store.ErrInvalidInput, review.Verdict)
	}
	stream, err := e.st.Streams().Get(ctx, review.StreamID)
	if err != nil {
		return err
	}
	repo, err := e.st.Repos().Get(ctx, stream.RepoID)
	if err != nil {
		return fmt.Errorf("repo configuration %s: %w", stream.RepoID, err)
	}
	if review.ID == "" {
		review.ID = uuid.New().String()
	}
	if err := e.st.Reviews().Save(ctx, review); err != nil {
		return err
	}
	return e.announce(ctx, repo, store.EventReview, review)
}

// RecordCommit notes a new commit on a stream's branch so a synced
// authority sees activity between reviews.
func (e *Engine) RecordCommit(ctx context.Context, streamID, ref, message string) error {
	stream, err := e.st.Streams().Get(ctx, streamID)
	if err != nil {
		return err
	}
	repo, err := e.st.Repos().Get(ctx, stream.RepoID)
	if err != nil {
		return fmt.Errorf("repo configuration %s: %w", stream.RepoID, err)
	}
	return e.announce(ctx, repo, store.EventCommit, map[string]string{
		"stream_id": stream.ID,
		"ref":       ref,
		"message":   message,
	})
}

// announce reports plugin gaps for the triggering event and, when the
// engine is synced, queues it for delivery to the authority.
func (e *Engine) announce(ctx context.Context, repo *store.Repo, eventType store.EventType, payload any) error {
	if skipped := compat.SkippedPlugins(repo, e.mode, e.handlers); len(skipped) > 0 {
		e.reporter.ReportSkipped(eventType, skipped)
	}
	if e.queue == nil {
		return nil
	}
	if _, err := e.queue.Enqueue(ctx, eventType, payload); err != nil {
		return fmt.Errorf("queue %s event: %w", eventType, err)
	}
	e.publishQueueDepth(ctx)
	return nil
}

// =============================================================================
// Merging
// =============================================================================

// MergeOutcome pairs the gating decision for a merge request with the
// execution result, when one ran. Queued and denied requests carry a
// nil Result.
type MergeOutcome struct {
	Decision *Decision                 `json:"decision"`
	Result   *executor.ExecutionResult `json:"result,omitempty"`
}

// Merged reports whether the stream is merged as of this request,
// whether by this call, an earlier one or the remote authority.
func (o *MergeOutcome) Merged() bool {
	if o.Result != nil {
		return o.Result.Executed && o.Result.Outcome == backend.StatusMerged
	}
	return o.Decision != nil && o.Decision.Allowed() && o.Decision.Source == "replay"
}

// RequestMerge runs the merge pipeline for one stream: gating by the
// repo's merge mode, then local execution through the stream's
// backend, or recording of a merge the authority already performed.
// Queued and denied decisions return without touching the backend.
//
// Decision sources extend the coordinator's set with "policy" for the
// draft-stream refusal and "replay" for streams already merged or
// reverted.
func (e *Engine) RequestMerge(ctx context.Context, actorID, streamID string) (*MergeOutcome, error) {
	stream, err := e.st.Streams().Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	repo, err := e.st.Repos().Get(ctx, stream.RepoID)
	if err != nil {
		return nil, fmt.Errorf("repo configuration %s: %w", stream.RepoID, err)
	}

	switch stream.ReviewStatus {
	case store.StreamMerged:
		// Idempotent: repeating the request reports the merge.
		decision := &Decision{
			Outcome: gating.OutcomeAllowed,
			Source:  "replay",
			Reason:  "stream is already merged",
		}
		if record := e.latestRecord(ctx, stream.ID); record != nil {
			decision.MergeRef = record.MergeRef
		}
		return &MergeOutcome{Decision: decision}, nil
	case store.StreamReverted:
		return &MergeOutcome{Decision: &Decision{
			Outcome: gating.OutcomeDenied,
			Source:  "replay",
			Reason:  "stream was reverted",
		}}, nil
	}

	if repo.MergeMode != store.MergeModeSwarm && stream.ReviewStatus == store.StreamDraft {
		return &MergeOutcome{Decision: &Decision{
			Outcome: gating.OutcomeDenied,
			Source:  "policy",
			Reason:  "stream has not been submitted for review",
		}}, nil
	}

	decision, err := e.gate.Authorize(ctx, actorID, stream, repo)
	if err != nil {
		return nil, err
	}
	e.collector.RecordGatingDecision(string(repo.MergeMode), string(decision.Outcome))
	if decision.Outcome == gating.OutcomeQueued {
		e.publishQueueDepth(ctx)
	}
	if !decision.Allowed() {
		return &MergeOutcome{Decision: decision}, nil
	}

	// Walk the stream to approved so the executor accepts it.
	if err := e.advanceToApproved(ctx, stream); err != nil {
		return nil, err
	}
	proposal, err := e.mergeProposal(ctx, stream.ID)
	if err != nil {
		return nil, err
	}

	var result *executor.ExecutionResult
	if decision.RemoteExecuted {
		result, err = e.exec.ApplyRemoteMerge(ctx, proposal.ID, decision.MergeRef)
	} else {
		result, err = e.exec.ExecuteProposal(ctx, proposal.ID)
	}
	if err != nil {
		return nil, err
	}
	if result.Executed && !result.Replayed {
		e.collector.RecordMerge(resultBackend(result, repo), result.Outcome)
	}
	return &MergeOutcome{Decision: decision, Result: result}, nil
}

// ExecuteProposal runs a council-passed proposal: a merge, revert or
// promote. A proposal already executed replays its stored outcome
// without backend calls.
func (e *Engine) ExecuteProposal(ctx context.Context, proposalID string) (*executor.ExecutionResult, error) {
	result, err := e.exec.ExecuteProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if result.Executed && !result.Replayed &&
		result.Proposal != nil && result.Proposal.Type == store.ProposalMergeStream {
		e.collector.RecordMerge(resultBackend(result, nil), result.Outcome)
	}
	return result, nil
}

// advanceToApproved moves draft and pending streams to approved.
// Streams already approved or parked pending merge pass through.
func (e *Engine) advanceToApproved(ctx context.Context, stream *store.Stream) error {
	if stream.ReviewStatus == store.StreamDraft {
		if err := e.st.Streams().UpdateStatus(ctx, stream.ID, store.StreamPending); err != nil {
			return err
		}
		stream.ReviewStatus = store.StreamPending
	}
	if stream.ReviewStatus == store.StreamPending {
		if err := e.st.Streams().UpdateStatus(ctx, stream.ID, store.StreamApproved); err != nil {
			return err
		}
		stream.ReviewStatus = store.StreamApproved
	}
	return nil
}

// mergeProposal returns the stream's passed merge proposal, creating
// one when no earlier deferred attempt left one behind.
func (e *Engine) mergeProposal(ctx context.Context, streamID string) (*store.CouncilProposal, error) {
	passed, err := e.st.Proposals().ListByStatus(ctx, store.ProposalPassed)
	if err != nil {
		return nil, err
	}
	for _, p := range passed {
		if p.StreamID == streamID && p.Type == store.ProposalMergeStream {
			return p, nil
		}
	}
	proposal := &store.CouncilProposal{
		ID:       uuid.New().String(),
		Type:     store.ProposalMergeStream,
		StreamID: streamID,
		VotesFor: 1,
		Status:   store.ProposalPassed,
	}
	if err := e.st.Proposals().Save(ctx, proposal); err != nil {
		return nil, err
	}
	return proposal, nil
}

// latestRecord returns the newest audit record for a stream, or nil.
func (e *Engine) latestRecord(ctx context.Context, streamID string) *store.MergeRecord {
	records, err := e.st.MergeRecords().List(ctx, 100)
	if err != nil {
		return nil
	}
	for _, record := range records {
		if record.StreamID == streamID {
			return record
		}
	}
	return nil
}

// resultBackend names the backend for metrics, tolerating results
// without a record.
func resultBackend(result *executor.ExecutionResult, repo *store.Repo) string {
	if result.Record != nil && result.Record.Backend != "" {
		return string(result.Record.Backend)
	}
	if repo != nil {
		return string(repo.GitBackend)
	}
	return "unknown"
}

// =============================================================================
// Sync queue
// =============================================================================

// Flush drains the sync queue to the authority in seq order and
// reports what moved and what stayed parked. Callers act on
// ReviewBlocked before trusting local consensus. Returns
// ErrDisconnected when the engine has no queue.
func (e *Engine) Flush(ctx context.Context) (*FlushResult, error) {
	if e.queue == nil {
		return nil, ErrDisconnected
	}
	result, err := e.queue.Flush(ctx)
	if err != nil {
		return nil, err
	}
	e.collector.RecordFlush(flushStatus(result))
	e.publishQueueDepth(ctx)
	return result, nil
}

// QueueDepth reports how many events wait for delivery. Disconnected
// engines always report zero.
func (e *Engine) QueueDepth(ctx context.Context) (int, error) {
	if e.queue == nil {
		return 0, nil
	}
	return e.queue.Depth(ctx)
}

func (e *Engine) publishQueueDepth(ctx context.Context) {
	if e.queue == nil || e.collector == nil {
		return
	}
	depth, err := e.queue.Depth(ctx)
	if err != nil {
		return
	}
	e.collector.SetQueueDepth(e.agentID, depth)
}

// flushStatus maps a flush result onto the ok, partial or failed
// metric label.
func flushStatus(result *FlushResult) string {
	switch {
	case result.Clean():
		return "ok"
	case result.Flushed > 0:
		return "partial"
	default:
		return "failed"
	}
}
