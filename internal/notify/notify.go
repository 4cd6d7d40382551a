// Package notify delivers job results and batch progress to interested
// consumers. Sinks must never block the executor: delivery is best-effort
// and buffered.
package notify

import (
	"context"

	"postwatch/internal/store"
	logx "postwatch/pkg/logx"
)

// ResultSink consumes finished jobs.
type ResultSink interface {
	OnJobCompleted(ctx context.Context, job store.Job, outcome store.Outcome)
	OnJobFailed(ctx context.Context, job store.Job, reason string)
}

// ProgressSink consumes batch progress updates. Best-effort.
type ProgressSink interface {
	OnProgress(ctx context.Context, batchID int64, done, total int)
}

// Sink is the full notification surface.
type Sink interface {
	ResultSink
	ProgressSink
}

// LogSink writes every event to the structured log. Always installed.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) OnJobCompleted(_ context.Context, job store.Job, outcome store.Outcome) {
	fields := []logx.Field{
		logx.Int64("job", job.ID),
		logx.String("item", job.Ref.Key()),
		logx.Int("likes", len(outcome.Likes)),
		logx.Int("comments", len(outcome.Comments)),
		logx.Int("reposts", len(outcome.Reposts)),
	}
	if outcome.Partial() {
		fields = append(fields, logx.Any("failed_subsets", outcome.Failed))
		s.Log.Warn("job completed with partial outcome", fields...)
		return
	}
	s.Log.Info("job completed", fields...)
}

func (s LogSink) OnJobFailed(_ context.Context, job store.Job, reason string) {
	s.Log.Error("job failed",
		logx.Int64("job", job.ID), logx.String("item", job.Ref.Key()), logx.String("reason", reason))
}

func (s LogSink) OnProgress(_ context.Context, batchID int64, done, total int) {
	s.Log.Debug("batch progress",
		logx.Int64("batch", batchID), logx.Int("done", done), logx.Int("total", total))
}

// Multi fans out to several sinks in order.
type Multi []Sink

func (m Multi) OnJobCompleted(ctx context.Context, job store.Job, outcome store.Outcome) {
	for _, s := range m {
		s.OnJobCompleted(ctx, job, outcome)
	}
}

func (m Multi) OnJobFailed(ctx context.Context, job store.Job, reason string) {
	for _, s := range m {
		s.OnJobFailed(ctx, job, reason)
	}
}

func (m Multi) OnProgress(ctx context.Context, batchID int64, done, total int) {
	for _, s := range m {
		s.OnProgress(ctx, batchID, done, total)
	}
}
