package backend

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/internal/pool"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// GitRunner executes git commands against a repository working tree.
// The cascade engine takes it as an interface so tests can substitute a
// scripted runner.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGitRunner runs git through the local git binary. All commands
// target the repository directory via the -C flag. Stderr is captured
// and included in error messages.
type ExecGitRunner struct{}

// Run executes a git command and returns trimmed stdout.
func (ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)

	stdout := pool.Buffers.Get()
	defer pool.Buffers.Put(stdout)
	stderr := pool.Buffers.Get()
	defer pool.Buffers.Put(stderr)

	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), dir, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CascadeConfig configures the local cascading-merge engine.
type CascadeConfig struct {
	// Root is the directory containing one working tree per repo,
	// keyed by repo id
	Root string `json:"root" yaml:"root"`
}

// Cascade is the local cascading-merge engine. It operates directly on
// repository storage and reports definitive success or failure
// synchronously. A merge conflict is an outcome, not an error: the
// engine aborts the merge, leaves the tree clean and reports
// Executed false.
type Cascade struct {
	cfg    CascadeConfig
	git    GitRunner
	logger *zap.Logger
}

var _ Backend = (*Cascade)(nil)

// NewCascade creates the cascade engine. A nil runner defaults to the
// local git binary.
func NewCascade(cfg CascadeConfig, git GitRunner, logger *zap.Logger) *Cascade {
	if git == nil {
		git = ExecGitRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cascade{
		cfg:    cfg,
		git:    git,
		logger: logger.With(zap.String("component", "cascade_backend")),
	}
}

// Name identifies the engine.
func (c *Cascade) Name() store.GitBackend { return store.BackendCascade }

func (c *Cascade) repoDir(repoID string) string {
	return filepath.Join(c.cfg.Root, repoID)
}

// mergeSubject is the commit subject used for stream merges. Revert
// locates the merge commit by this subject, so the two must stay in
// sync.
func mergeSubject(stream *store.Stream) string {
	return fmt.Sprintf("Merge stream %s", stream.ID)
}

// Merge merges the stream's branch into the buffer branch with a merge
// commit. Conflicts abort the merge and report a non-executed result.
func (c *Cascade) Merge(ctx context.Context, stream *store.Stream, repo *store.Repo) (Result, error) {
	dir := c.repoDir(repo.ID)

	if _, err := c.git.Run(ctx, dir, "checkout", repo.BufferBranch); err != nil {
		return Result{}, fmt.Errorf("checkout %s failed: %w", repo.BufferBranch, err)
	}

	if _, err := c.git.Run(ctx, dir, "merge", "--no-ff", "-m", mergeSubject(stream), stream.Branch); err != nil {
		// Leave the tree clean for the next attempt.
		_, _ = c.git.Run(ctx, dir, "merge", "--abort")
		c.logger.Warn("merge conflict",
			zap.String("repo", repo.ID),
			zap.String("stream", stream.ID),
			zap.String("branch", stream.Branch),
			zap.Error(err),
		)
		return Result{Executed: false, Status: StatusMergeConflict}, nil
	}

	ref, err := c.git.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, fmt.Errorf("resolving merge ref failed: %w", err)
	}

	c.logger.Info("stream merged",
		zap.String("repo", repo.ID),
		zap.String("stream", stream.ID),
		zap.String("merge_ref", ref),
	)
	return Result{Executed: true, Status: StatusMerged, MergeRef: ref}, nil
}

// Revert locates the stream's merge commit on the buffer branch and
// reverts it. A missing merge commit or a conflicting revert reports a
// non-executed result.
func (c *Cascade) Revert(ctx context.Context, stream *store.Stream, repo *store.Repo) (Result, error) {
	dir := c.repoDir(repo.ID)

	hash, err := c.git.Run(ctx, dir,
		"log", "--merges", "--format=%H", "-n", "1",
		"--grep", mergeSubject(stream), repo.BufferBranch)
	if err != nil || hash == "" {
		c.logger.Warn("merge commit not found for revert",
			zap.String("repo", repo.ID),
			zap.String("stream", stream.ID),
		)
		return Result{Executed: false, Status: StatusRevertFailed}, nil
	}

	if _, err := c.git.Run(ctx, dir, "checkout", repo.BufferBranch); err != nil {
		return Result{}, fmt.Errorf("checkout %s failed: %w", repo.BufferBranch, err)
	}

	if _, err := c.git.Run(ctx, dir, "revert", "--no-edit", "-m", "1", hash); err != nil {
		_, _ = c.git.Run(ctx, dir, "revert", "--abort")
		c.logger.Warn("revert conflict",
			zap.String("repo", repo.ID),
			zap.String("stream", stream.ID),
			zap.Error(err),
		)
		return Result{Executed: false, Status: StatusRevertFailed}, nil
	}

	ref, err := c.git.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, fmt.Errorf("resolving revert ref failed: %w", err)
	}

	c.logger.Info("stream reverted",
		zap.String("repo", repo.ID),
		zap.String("stream", stream.ID),
		zap.String("revert_ref", ref),
	)
	return Result{Executed: true, Status: StatusReverted, MergeRef: ref}, nil
}

// FastForwardPromote advances the promote target to the buffer branch.
// Promotion policy requires a strictly linear history: the merge is
// --ff-only and a target that cannot fast-forward is reported as
// StatusNotFastForward, never merged three-way.
func (c *Cascade) FastForwardPromote(ctx context.Context, stream *store.Stream, repo *store.Repo) (Result, error) {
	dir := c.repoDir(repo.ID)

	if _, err := c.git.Run(ctx, dir, "checkout", repo.PromoteTarget); err != nil {
		return Result{}, fmt.Errorf("checkout %s failed: %w", repo.PromoteTarget, err)
	}

	if _, err := c.git.Run(ctx, dir, "merge", "--ff-only", repo.BufferBranch); err != nil {
		c.logger.Warn("promote target cannot fast-forward",
			zap.String("repo", repo.ID),
			zap.String("from", repo.BufferBranch),
			zap.String("to", repo.PromoteTarget),
			zap.Error(err),
		)
		return Result{Executed: false, Status: StatusNotFastForward}, nil
	}

	ref, err := c.git.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, fmt.Errorf("resolving promote ref failed: %w", err)
	}

	c.logger.Info("buffer promoted",
		zap.String("repo", repo.ID),
		zap.String("target", repo.PromoteTarget),
		zap.String("ref", ref),
	)
	return Result{Executed: true, Status: StatusPromoted, MergeRef: ref}, nil
}
