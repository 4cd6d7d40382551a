// Package ref identifies trackable VK items from their links.
package ref

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a parsed link.
type Kind string

const (
	KindWall   Kind = "wall"
	KindMarket Kind = "market"
	KindOther  Kind = "other"
)

// Ref is the immutable identity of one trackable item.
// Derived once from its link; OwnerID/ItemID are zero for KindOther.
type Ref struct {
	Link    string
	OwnerID int64
	ItemID  int64
	Kind    Kind

	// PublishHint is the caller's best estimate of publication time
	// (e.g. extracted from the uploaded file). Zero when unknown; the
	// executor fills it in from the API lazily.
	PublishHint time.Time
}

// Key is a stable short identifier like "wall-123_456", used in logs.
func (r Ref) Key() string {
	if r.Kind == KindOther {
		return r.Link
	}
	return fmt.Sprintf("%s%d_%d", r.Kind, r.OwnerID, r.ItemID)
}

// ValidationError reports a link that cannot identify a trackable item.
// It never results in a job.
type ValidationError struct {
	Link   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid link %q: %s", e.Link, e.Reason)
}

var (
	wallRe   = regexp.MustCompile(`wall(-?\d+)_(\d+)`)
	marketRe = regexp.MustCompile(`market(-?\d+)_(\d+)`)
)

// Parse extracts a Ref from a VK post or market link.
func Parse(link string) (Ref, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return Ref{}, &ValidationError{Link: link, Reason: "empty link"}
	}

	if m := wallRe.FindStringSubmatch(link); m != nil {
		return newRef(link, KindWall, m[1], m[2])
	}
	if m := marketRe.FindStringSubmatch(link); m != nil {
		return newRef(link, KindMarket, m[1], m[2])
	}
	return Ref{}, &ValidationError{Link: link, Reason: "no wall/market item id found"}
}

func newRef(link string, kind Kind, owner, item string) (Ref, error) {
	ownerID, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		return Ref{}, &ValidationError{Link: link, Reason: "owner id out of range"}
	}
	itemID, err := strconv.ParseInt(item, 10, 64)
	if err != nil {
		return Ref{}, &ValidationError{Link: link, Reason: "item id out of range"}
	}
	return Ref{Link: link, OwnerID: ownerID, ItemID: itemID, Kind: kind}, nil
}
