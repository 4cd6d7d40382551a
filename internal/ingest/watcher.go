package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"postwatch/internal/policy"
	"postwatch/internal/ref"
	"postwatch/internal/store"
	logx "postwatch/pkg/logx"
)

// Admitter accepts a parsed batch for scheduling. *scheduler.Scheduler
// satisfies it.
type Admitter interface {
	Admit(ctx context.Context, source string, pol policy.Name, refs []ref.Ref) (*store.Batch, error)
}

const (
	// settleDelay lets a dropped file finish writing before it is read.
	// Editors and scp both produce several write events per file.
	settleDelay = 500 * time.Millisecond

	doneSuffix   = ".done"
	failedSuffix = ".failed"
)

// Watcher admits every file dropped into a directory as one batch.
// Processed files are renamed in place (.done / .failed) so a restart
// does not re-admit them.
type Watcher struct {
	dir   string
	ing   Ingester
	admit Admitter
	log   logx.Logger

	fw     *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewWatcher(dir string, ing Ingester, admit Admitter, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{
		dir:    dir,
		ing:    ing,
		admit:  admit,
		log:    log,
		timers: map[string]*time.Timer{},
	}
}

// Start begins watching. Files already present in the directory are
// picked up first, so links dropped while the service was down are not
// lost.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating ingest dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating ingest watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watching ingest dir: %w", err)
	}
	w.fw = fw
	w.ctx, w.cancel = context.WithCancel(context.Background())

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("listing ingest dir: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && eligible(e.Name()) {
			w.schedule(filepath.Join(w.dir, e.Name()))
		}
	}

	w.wg.Add(1)
	go w.loop()
	w.log.Info("ingest watcher started", logx.String("dir", w.dir))
	return nil
}

func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	_ = w.fw.Close()
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			if eligible(filepath.Base(ev.Name)) {
				w.schedule(ev.Name)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("ingest watch error", logx.Err(err))
		case <-w.ctx.Done():
			return
		}
	}
}

func eligible(name string) bool {
	return !strings.HasPrefix(name, ".") &&
		!strings.HasSuffix(name, doneSuffix) &&
		!strings.HasSuffix(name, failedSuffix)
}

// schedule (re)arms the settle timer for a file. The file is processed
// once events stop arriving for settleDelay.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(settleDelay)
		return
	}
	w.timers[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.process(path)
	})
}

func (w *Watcher) process(path string) {
	if w.ctx.Err() != nil {
		return
	}
	log := w.log.With(logx.String("file", path))

	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return
	}

	refs, err := w.ing.Extract(path)
	if err != nil {
		log.Warn("link file rejected", logx.Err(err))
		w.finish(log, path, failedSuffix)
		return
	}

	b, err := w.admit.Admit(w.ctx, filepath.Base(path), "", refs)
	if err != nil {
		log.Error("batch admission failed", logx.Err(err))
		w.finish(log, path, failedSuffix)
		return
	}
	log.Info("file admitted",
		logx.Int64("batch", b.ID), logx.Int("jobs", b.Total))
	w.finish(log, path, doneSuffix)
}

func (w *Watcher) finish(log logx.Logger, path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		log.Warn("marking processed file failed", logx.Err(err))
	}
}
