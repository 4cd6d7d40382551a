// Package ingest turns dropped link files into admitted batches.
package ingest

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"postwatch/internal/ref"
	logx "postwatch/pkg/logx"
)

// Ingester extracts post references from a file.
type Ingester interface {
	Extract(path string) ([]ref.Ref, error)
}

// TextIngester reads plain-text link files: one link per line, with an
// optional tab-separated RFC 3339 publish time after the link. Blank lines
// and lines starting with # are skipped; unparsable lines are logged and
// dropped rather than failing the whole file.
type TextIngester struct {
	log logx.Logger
}

func NewTextIngester(log logx.Logger) *TextIngester {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TextIngester{log: log}
}

func (t *TextIngester) Extract(path string) ([]ref.Ref, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening link file: %w", err)
	}
	defer f.Close()

	log := t.log.With(logx.String("file", path))
	var refs []ref.Ref
	skipped := 0

	sc := bufio.NewScanner(f)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		link, hint, _ := strings.Cut(line, "\t")
		r, err := ref.Parse(strings.TrimSpace(link))
		if err != nil {
			log.Warn("skipping unparsable line",
				logx.Int("line", lineNo), logx.Err(err))
			skipped++
			continue
		}
		if hint = strings.TrimSpace(hint); hint != "" {
			ts, err := time.Parse(time.RFC3339, hint)
			if err != nil {
				log.Warn("skipping line with bad publish time",
					logx.Int("line", lineNo), logx.Err(err))
				skipped++
				continue
			}
			r.PublishHint = ts
		}
		refs = append(refs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading link file: %w", err)
	}

	if len(refs) == 0 {
		return nil, fmt.Errorf("no usable links in %s (%d lines skipped)", path, skipped)
	}
	if skipped > 0 {
		log.Info("link file partially extracted",
			logx.Int("ok", len(refs)), logx.Int("skipped", skipped))
	}
	return refs, nil
}
