// Package executor runs one acquired job to completion: it resolves the
// item, snapshots its activity through the VK client, and writes the
// outcome back through the job store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"postwatch/internal/notify"
	"postwatch/internal/policy"
	"postwatch/internal/ref"
	"postwatch/internal/store"
	"postwatch/internal/vkapi"
	logx "postwatch/pkg/logx"
)

// API is the slice of the VK client the executor needs.
// *vkapi.Client satisfies it.
type API interface {
	PublishTime(ctx context.Context, r ref.Ref) (time.Time, error)
	Likes(ctx context.Context, r ref.Ref) ([]vkapi.User, error)
	Comments(ctx context.Context, r ref.Ref) ([]vkapi.Comment, error)
	Reposts(ctx context.Context, r ref.Ref) ([]vkapi.User, error)
}

// correctionThreshold is how far the remote publish time must differ from
// the stored estimate before a correction is persisted.
const correctionThreshold = time.Minute

// Executor executes jobs. Safe for concurrent use; each Run is independent.
type Executor struct {
	store *store.Store
	api   API
	clock policy.Clock
	sinks notify.Sink
	log   logx.Logger

	// minDelay is the policy clamp floor, used when recomputing a
	// corrected job's scheduled time.
	minDelay time.Duration
}

func New(st *store.Store, api API, clock policy.Clock, sinks notify.Sink, minDelay time.Duration, log logx.Logger) *Executor {
	if clock == nil {
		clock = policy.SystemClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{store: st, api: api, clock: clock, sinks: sinks, minDelay: minDelay, log: log}
}

// Run executes an already-acquired (running) job and moves it to
// completed or failed. The returned execution is also persisted.
func (e *Executor) Run(ctx context.Context, job store.Job) (store.Execution, error) {
	started := e.clock.Now()
	log := e.log.With(logx.Int64("job", job.ID), logx.String("item", job.Ref.Key()))

	outcome, runErr := e.snapshot(ctx, log, &job)

	exec := store.Execution{
		JobID:      job.ID,
		StartedAt:  started,
		FinishedAt: e.clock.Now(),
	}
	if runErr != nil {
		exec.Error = runErr.Error()
	} else {
		exec.Outcome = outcome
	}
	if err := e.store.AppendExecution(ctx, exec); err != nil {
		log.Error("execution record write failed", logx.Err(err))
	}

	if runErr != nil {
		if err := e.store.Fail(ctx, job.ID, runErr.Error()); err != nil {
			return exec, fmt.Errorf("marking job failed: %w", err)
		}
		if e.sinks != nil {
			e.sinks.OnJobFailed(ctx, job, runErr.Error())
		}
		e.notifyProgress(ctx, job.BatchID)
		return exec, nil
	}

	if err := e.store.Complete(ctx, job.ID); err != nil {
		return exec, fmt.Errorf("marking job completed: %w", err)
	}
	if e.sinks != nil {
		e.sinks.OnJobCompleted(ctx, job, *outcome)
	}
	e.notifyProgress(ctx, job.BatchID)
	return exec, nil
}

// snapshot fetches the three activity sets. A non-nil error means the job
// failed as a whole; subset failures live in outcome.Failed.
func (e *Executor) snapshot(ctx context.Context, log logx.Logger, job *store.Job) (*store.Outcome, error) {
	if err := e.correctPublishTime(ctx, log, job); err != nil {
		return nil, err
	}

	outcome := &store.Outcome{}
	fail := func(subset string, err error) {
		if outcome.Failed == nil {
			outcome.Failed = map[string]string{}
		}
		outcome.Failed[subset] = err.Error()
		log.Warn("activity subset fetch failed", logx.String("subset", subset), logx.Err(err))
	}

	likes, err := e.api.Likes(ctx, job.Ref)
	if err != nil {
		fail("likes", err)
	} else {
		outcome.Likes = dedupeUsers(likes)
	}

	// Comments and reposts only exist for wall posts. Other kinds record
	// the subsets as skipped so the snapshot is not read as "zero".
	if job.Ref.Kind != ref.KindWall {
		outcome.Skipped = []string{"comments", "reposts"}
	} else {
		comments, err := e.api.Comments(ctx, job.Ref)
		if err != nil {
			fail("comments", err)
		} else {
			outcome.Comments = dedupeComments(comments)
		}

		reposts, err := e.api.Reposts(ctx, job.Ref)
		if err != nil {
			fail("reposts", err)
		} else {
			outcome.Reposts = dedupeUsers(reposts)
		}
	}

	// The job only fails when nothing mandatory survived: for wall posts
	// likes and comments are the mandatory pair, for market items likes.
	mandatoryFailed := outcome.Failed["likes"] != ""
	if job.Ref.Kind == ref.KindWall {
		mandatoryFailed = outcome.Failed["likes"] != "" && outcome.Failed["comments"] != ""
	}
	if mandatoryFailed {
		return nil, fmt.Errorf("activity fetch failed: %s", joinFailures(outcome.Failed))
	}
	return outcome, nil
}

// correctPublishTime resolves the item's true publication time and, when
// it differs materially from the stored estimate, persists it along with a
// recomputed scheduled time. The recomputation is audit data: this job is
// already running and is not re-delayed.
//
// A permanent API rejection here means the item itself is gone or walled
// off, which fails the job.
func (e *Executor) correctPublishTime(ctx context.Context, log logx.Logger, job *store.Job) error {
	pt, err := e.api.PublishTime(ctx, job.Ref)
	if err != nil {
		if errors.Is(err, vkapi.ErrNoPublishTime) {
			return nil
		}
		var apiErr *vkapi.APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return fmt.Errorf("item inaccessible: %w", err)
		}
		// Transient failure: the stored estimate stays good enough.
		log.Debug("publish time fetch failed", logx.Err(err))
		return nil
	}

	diff := pt.Sub(job.PublishTime)
	if diff < 0 {
		diff = -diff
	}
	if !job.PublishTime.IsZero() && diff <= correctionThreshold {
		return nil
	}

	newAt := policy.Compute(pt, job.Policy, e.clock.Now(), e.minDelay)
	if err := e.store.CorrectPublishTime(ctx, job.ID, pt, newAt); err != nil {
		log.Warn("publish time correction write failed", logx.Err(err))
		return nil
	}
	log.Debug("publish time corrected",
		logx.Time("publish_time", pt), logx.Time("scheduled_at", newAt))
	job.PublishTime = pt
	return nil
}

func (e *Executor) notifyProgress(ctx context.Context, batchID int64) {
	if batchID == 0 || e.sinks == nil {
		return
	}
	p, err := e.store.BatchProgress(ctx, batchID)
	if err != nil {
		e.log.Debug("batch progress query failed", logx.Int64("batch", batchID), logx.Err(err))
		return
	}
	e.sinks.OnProgress(ctx, batchID, p.Done(), p.Total)
}

func dedupeUsers(in []vkapi.User) []store.UserRef {
	seen := make(map[int64]bool, len(in))
	out := make([]store.UserRef, 0, len(in))
	for _, u := range in {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		out = append(out, store.UserRef{ID: u.ID, Name: u.Name})
	}
	return out
}

func dedupeComments(in []vkapi.Comment) []store.CommentRef {
	type key struct {
		author int64
		text   string
	}
	seen := make(map[key]bool, len(in))
	out := make([]store.CommentRef, 0, len(in))
	for _, c := range in {
		k := key{author: c.AuthorID, text: c.Text}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, store.CommentRef{AuthorID: c.AuthorID, AuthorName: c.AuthorName, Text: c.Text})
	}
	return out
}

func joinFailures(failed map[string]string) string {
	parts := make([]string, 0, len(failed))
	for subset, reason := range failed {
		parts = append(parts, subset+": "+reason)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
