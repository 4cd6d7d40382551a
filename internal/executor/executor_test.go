package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postwatch/internal/policy"
	"postwatch/internal/ref"
	"postwatch/internal/store"
	"postwatch/internal/vkapi"
	logx "postwatch/pkg/logx"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeAPI struct {
	publishTime time.Time
	publishErr  error
	likes       []vkapi.User
	likesErr    error
	comments    []vkapi.Comment
	commentsErr error
	reposts     []vkapi.User
	repostsErr  error
}

func (f *fakeAPI) PublishTime(context.Context, ref.Ref) (time.Time, error) {
	return f.publishTime, f.publishErr
}
func (f *fakeAPI) Likes(context.Context, ref.Ref) ([]vkapi.User, error) {
	return f.likes, f.likesErr
}
func (f *fakeAPI) Comments(context.Context, ref.Ref) ([]vkapi.Comment, error) {
	return f.comments, f.commentsErr
}
func (f *fakeAPI) Reposts(context.Context, ref.Ref) ([]vkapi.User, error) {
	return f.reposts, f.repostsErr
}

type recordingSink struct {
	completed []store.Job
	failed    []string
	progress  []int
}

func (r *recordingSink) OnJobCompleted(_ context.Context, job store.Job, _ store.Outcome) {
	r.completed = append(r.completed, job)
}
func (r *recordingSink) OnJobFailed(_ context.Context, _ store.Job, reason string) {
	r.failed = append(r.failed, reason)
}
func (r *recordingSink) OnProgress(_ context.Context, _ int64, done, _ int) {
	r.progress = append(r.progress, done)
}

var testNow = time.Date(2024, 3, 27, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T, api *fakeAPI) (*Executor, *store.Store, store.Job, *recordingSink) {
	t.Helper()
	return setupLink(t, api, "https://vk.com/wall-1_2")
}

func setupLink(t *testing.T, api *fakeAPI, link string) (*Executor, *store.Store, store.Job, *recordingSink) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r, err := ref.Parse(link)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r.PublishHint = testNow.Add(-time.Hour)
	b, err := st.CreateBatch(context.Background(), "t.txt", policy.Standard, []ref.Ref{r}, testNow, 2*time.Minute)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	jobs, err := st.BatchJobs(context.Background(), b.ID)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("BatchJobs: %v (%d)", err, len(jobs))
	}
	if ok, _ := st.TryAcquire(context.Background(), jobs[0].ID, testNow); !ok {
		t.Fatal("TryAcquire failed")
	}
	job, err := st.Job(context.Background(), jobs[0].ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}

	sink := &recordingSink{}
	ex := New(st, api, fakeClock{now: testNow}, sink, 2*time.Minute, logx.Nop())
	return ex, st, *job, sink
}

func TestRunCompletesWithFullOutcome(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		publishTime: testNow.Add(-time.Hour),
		likes:       []vkapi.User{{ID: 1, Name: "A"}, {ID: 2, Name: "B"}, {ID: 1, Name: "A"}},
		comments:    []vkapi.Comment{{AuthorID: 3, Text: "hi"}, {AuthorID: 3, Text: "hi"}},
		reposts:     []vkapi.User{{ID: 4}},
	}
	ex, st, job, sink := setup(t, api)

	exec, err := ex.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.Outcome == nil {
		t.Fatal("expected outcome")
	}
	// Set semantics: duplicates collapsed.
	if len(exec.Outcome.Likes) != 2 || len(exec.Outcome.Comments) != 1 || len(exec.Outcome.Reposts) != 1 {
		t.Fatalf("outcome sizes = %d/%d/%d, want 2/1/1",
			len(exec.Outcome.Likes), len(exec.Outcome.Comments), len(exec.Outcome.Reposts))
	}

	j, err := st.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if j.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed", j.Status)
	}
	if len(sink.completed) != 1 || len(sink.failed) != 0 {
		t.Fatalf("sink = %d completed, %d failed", len(sink.completed), len(sink.failed))
	}
	if len(sink.progress) != 1 || sink.progress[0] != 1 {
		t.Fatalf("progress = %v, want [1]", sink.progress)
	}
}

func TestRunCompletesOnRepostsFailure(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		publishTime: testNow.Add(-time.Hour),
		likes:       []vkapi.User{{ID: 1}},
		comments:    []vkapi.Comment{{AuthorID: 2, Text: "x"}},
		repostsErr:  &vkapi.APIError{Code: 15, Message: "Access denied"},
	}
	ex, st, job, _ := setup(t, api)

	exec, err := ex.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := exec.Outcome
	if out == nil || len(out.Likes) != 1 || len(out.Comments) != 1 {
		t.Fatalf("outcome = %+v, want likes+comments present", out)
	}
	if out.Failed["reposts"] == "" {
		t.Fatalf("reposts failure not recorded: %+v", out.Failed)
	}

	j, _ := st.Job(context.Background(), job.ID)
	if j.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed despite reposts failure", j.Status)
	}

	execs, err := st.Executions(context.Background(), job.ID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("Executions: %v (%d)", err, len(execs))
	}
	if execs[0].Outcome == nil || execs[0].Outcome.Failed["reposts"] == "" {
		t.Fatal("persisted execution lost the subset failure")
	}
}

func TestRunMarketItemSkipsUnexposedSets(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		publishErr:  vkapi.ErrNoPublishTime,
		likes:       []vkapi.User{{ID: 1}, {ID: 2}},
		commentsErr: errors.New("must not be fetched for market items"),
		repostsErr:  errors.New("must not be fetched for market items"),
	}
	ex, st, job, _ := setupLink(t, api, "https://vk.com/market-7_5")

	exec, err := ex.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := exec.Outcome
	if out == nil || len(out.Likes) != 2 {
		t.Fatalf("outcome = %+v, want 2 likes", out)
	}
	if len(out.Failed) != 0 {
		t.Fatalf("skipped subsets recorded as failures: %+v", out.Failed)
	}
	if len(out.Skipped) != 2 || out.Skipped[0] != "comments" || out.Skipped[1] != "reposts" {
		t.Fatalf("Skipped = %v, want [comments reposts]", out.Skipped)
	}

	j, _ := st.Job(context.Background(), job.ID)
	if j.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed", j.Status)
	}

	// The skip note survives the persisted execution record.
	execs, err := st.Executions(context.Background(), job.ID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("Executions: %v (%d)", err, len(execs))
	}
	if got := execs[0].Outcome; got == nil || len(got.Skipped) != 2 {
		t.Fatalf("persisted outcome = %+v, want skip note", got)
	}
}

func TestRunFailsWhenMandatoryFetchesFail(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		publishTime: testNow.Add(-time.Hour),
		likesErr:    errors.New("likes down"),
		commentsErr: errors.New("comments down"),
		reposts:     []vkapi.User{{ID: 4}},
	}
	ex, st, job, sink := setup(t, api)

	exec, err := ex.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.Error == "" || exec.Outcome != nil {
		t.Fatalf("execution = %+v, want bare failure", exec)
	}

	j, _ := st.Job(context.Background(), job.ID)
	if j.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if len(sink.failed) != 1 {
		t.Fatalf("sink.failed = %v", sink.failed)
	}
}

func TestRunFailsWhenItemInaccessible(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		publishErr: &vkapi.APIError{Code: 100, Message: "post not found"},
	}
	ex, st, job, _ := setup(t, api)

	if _, err := ex.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	j, _ := st.Job(context.Background(), job.ID)
	if j.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
}

func TestRunCorrectsPublishTime(t *testing.T) {
	t.Parallel()
	truth := testNow.Add(-30 * time.Minute) // 30m newer than the hint
	api := &fakeAPI{
		publishTime: truth,
		likes:       []vkapi.User{{ID: 1}},
	}
	ex, st, job, _ := setup(t, api)

	if _, err := ex.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	j, err := st.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if !j.PublishTime.Equal(truth) {
		t.Fatalf("publish time = %v, want corrected to %v", j.PublishTime, truth)
	}
	want := truth.Add(23*time.Hour + 50*time.Minute)
	if !j.ScheduledAt.Equal(want) {
		t.Fatalf("scheduled_at = %v, want recomputed %v", j.ScheduledAt, want)
	}
}

func TestRunSkipsCorrectionWithinThreshold(t *testing.T) {
	t.Parallel()
	hint := testNow.Add(-time.Hour)
	api := &fakeAPI{
		publishTime: hint.Add(30 * time.Second), // within threshold
		likes:       []vkapi.User{{ID: 1}},
	}
	ex, st, job, _ := setup(t, api)
	origAt := job.ScheduledAt

	if _, err := ex.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	j, _ := st.Job(context.Background(), job.ID)
	if !j.PublishTime.Equal(hint) || !j.ScheduledAt.Equal(origAt) {
		t.Fatalf("correction applied within threshold: pt=%v at=%v", j.PublishTime, j.ScheduledAt)
	}
}
