package store

import (
	"errors"
	"time"

	"postwatch/internal/policy"
	"postwatch/internal/ref"
)

var (
	// ErrNotFound is returned when a job or batch id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a state transition is rejected because
	// the job is not in a status that allows it.
	ErrConflict = errors.New("conflicting job status")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Status is a job's lifecycle state.
//
// scheduled -> running -> completed|failed; cancelled from scheduled/pending;
// failed -> pending via Reschedule. completed and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s can never be left again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Job is one schedulable snapshot task for a single item.
type Job struct {
	ID      int64
	BatchID int64 // 0 when the job was admitted outside a batch
	Ref     ref.Ref

	// PublishTime is the best available estimate; corrected after a
	// successful remote time fetch. Zero when still unknown.
	PublishTime time.Time
	ScheduledAt time.Time
	Policy      policy.Name
	Status      Status

	Attempts  int
	LastError string

	CreatedAt time.Time
	StartedAt time.Time // zero unless running or finished
}

// Batch groups the jobs admitted from one ingested source.
type Batch struct {
	ID        int64
	Source    string
	Policy    policy.Name
	CreatedAt time.Time
	Total     int

	// Denormalized scheduling window for display.
	EarliestScheduledAt time.Time
	LatestScheduledAt   time.Time
}

// Progress is the aggregate job state of a batch.
type Progress struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

// Done reports how many jobs reached a final outcome (completed or failed).
func (p Progress) Done() int { return p.Completed + p.Failed }

// Status derives the batch-level status. Per-job failures never fail the
// whole batch.
func (p Progress) Status() Status {
	switch {
	case p.Total == 0:
		return StatusCompleted
	case p.Completed+p.Failed+p.Cancelled == p.Total:
		return StatusCompleted
	case p.Running > 0:
		return StatusRunning
	default:
		return StatusScheduled
	}
}

// UserRef is one identified user in an activity set.
type UserRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// CommentRef is one comment with its author.
type CommentRef struct {
	AuthorID   int64  `json:"author_id"`
	AuthorName string `json:"author_name,omitempty"`
	Text       string `json:"text,omitempty"`
}

// Outcome is the aggregated activity snapshot of one execution.
// Failed maps a subset name ("likes", "comments", "reposts") to the reason
// that subset could not be fetched; present subsets are complete.
type Outcome struct {
	Likes    []UserRef         `json:"likes,omitempty"`
	Comments []CommentRef      `json:"comments,omitempty"`
	Reposts  []UserRef         `json:"reposts,omitempty"`
	Failed   map[string]string `json:"failed,omitempty"`
	// Skipped names subsets the item's kind does not expose at all
	// (market items have no comments or reposts), so an empty set is
	// distinguishable from a zero count.
	Skipped []string `json:"skipped,omitempty"`
}

// Partial reports whether any subset failed.
func (o Outcome) Partial() bool { return len(o.Failed) > 0 }

// Execution is one attempt of a job. Append-only.
type Execution struct {
	ID         int64
	JobID      int64
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    *Outcome // nil when the attempt failed outright
	Error      string   // empty on success
}
