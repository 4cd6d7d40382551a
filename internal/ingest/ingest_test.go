package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postwatch/internal/policy"
	"postwatch/internal/ref"
	"postwatch/internal/store"
	logx "postwatch/pkg/logx"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestExtractLinksAndHints(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "links.txt",
		"# dropped by ops\n"+
			"https://vk.com/wall-123_456\n"+
			"\n"+
			"https://vk.com/wall-123_457\t2024-03-27T08:00:00Z\n"+
			"not a link at all\n"+
			"https://vk.com/market-9_77\n")

	refs, err := NewTextIngester(logx.Nop()).Extract(path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("len = %d, want 3", len(refs))
	}
	if refs[0].Key() != "wall-123_456" || !refs[0].PublishHint.IsZero() {
		t.Fatalf("refs[0] = %+v", refs[0])
	}
	want := time.Date(2024, 3, 27, 8, 0, 0, 0, time.UTC)
	if !refs[1].PublishHint.Equal(want) {
		t.Fatalf("hint = %v, want %v", refs[1].PublishHint, want)
	}
	if refs[2].Kind != ref.KindMarket {
		t.Fatalf("kind = %s, want market", refs[2].Kind)
	}
}

func TestExtractRejectsBadHint(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "links.txt",
		"https://vk.com/wall-1_1\tyesterday evening\n"+
			"https://vk.com/wall-1_2\n")

	refs, err := NewTextIngester(logx.Nop()).Extract(path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(refs) != 1 || refs[0].Key() != "wall-1_2" {
		t.Fatalf("refs = %+v, want only wall-1_2", refs)
	}
}

func TestExtractEmptyFileIsAnError(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "links.txt", "# nothing here\n\n")
	if _, err := NewTextIngester(logx.Nop()).Extract(path); err == nil {
		t.Fatal("expected error for a file without links")
	}
}

type fakeAdmitter struct {
	mu      sync.Mutex
	batches []admission
}

type admission struct {
	source string
	refs   []ref.Ref
}

func (f *fakeAdmitter) Admit(_ context.Context, source string, _ policy.Name, refs []ref.Ref) (*store.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, admission{source: source, refs: refs})
	return &store.Batch{ID: int64(len(f.batches)), Total: len(refs)}, nil
}

func (f *fakeAdmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func waitAdmissions(t *testing.T, f *fakeAdmitter, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.count() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d admissions, got %d", want, f.count())
}

func TestWatcherAdmitsDroppedFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	adm := &fakeAdmitter{}
	w := NewWatcher(dir, NewTextIngester(logx.Nop()), adm, logx.Nop())
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, "drop.txt", "https://vk.com/wall-5_6\nhttps://vk.com/wall-5_7\n")
	waitAdmissions(t, adm, 1)

	if got := adm.batches[0]; got.source != "drop.txt" || len(got.refs) != 2 {
		t.Fatalf("admission = %+v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "drop.txt"+doneSuffix)); err != nil {
		t.Fatalf("processed file not renamed: %v", err)
	}
}

func TestWatcherPicksUpExistingFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "old.txt", "https://vk.com/wall-5_8\n")
	writeFile(t, dir, "seen.txt"+doneSuffix, "https://vk.com/wall-5_9\n")

	adm := &fakeAdmitter{}
	w := NewWatcher(dir, NewTextIngester(logx.Nop()), adm, logx.Nop())
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	waitAdmissions(t, adm, 1)
	time.Sleep(settleDelay + 100*time.Millisecond)
	if adm.count() != 1 {
		t.Fatalf("admissions = %d, want 1 (done file must be skipped)", adm.count())
	}
}

func TestWatcherMarksRejectedFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	adm := &fakeAdmitter{}
	w := NewWatcher(dir, NewTextIngester(logx.Nop()), adm, logx.Nop())
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, "junk.txt", "this is not a link\n")

	deadline := time.Now().Add(3 * time.Second)
	failed := filepath.Join(dir, "junk.txt"+failedSuffix)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(failed); err == nil {
			if adm.count() != 0 {
				t.Fatalf("rejected file was admitted")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("rejected file never renamed")
}
