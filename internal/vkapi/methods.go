package vkapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"postwatch/internal/ref"
	logx "postwatch/pkg/logx"
)

// User is one identified user in an activity set.
type User struct {
	ID   int64
	Name string
}

// Comment is one comment with its resolved author.
type Comment struct {
	AuthorID   int64
	AuthorName string
	Text       string
}

// ErrNoPublishTime means the item exists but carries no usable timestamp.
var ErrNoPublishTime = errors.New("item has no publish time")

const (
	likesPageSize    = 1000
	commentsPageSize = 100
	repostsSearchCap = 1000
	searchPageSize   = 200
	userChunkSize    = 1000
)

func itemKey(r ref.Ref) string {
	return strconv.FormatInt(r.OwnerID, 10) + "_" + strconv.FormatInt(r.ItemID, 10)
}

type profile struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (p profile) fullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// PublishTime fetches the item's true publication time.
// Market items do not expose one; callers get ErrNoPublishTime.
func (c *Client) PublishTime(ctx context.Context, r ref.Ref) (time.Time, error) {
	if r.Kind != ref.KindWall {
		return time.Time{}, ErrNoPublishTime
	}
	data, err := c.Call(ctx, "wall.getById", map[string]string{
		"posts":    itemKey(r),
		"extended": "1",
	})
	if err != nil {
		return time.Time{}, err
	}

	var resp struct {
		Items []struct {
			Date int64 `json:"date"`
		} `json:"items"`
	}
	// Older API versions return the items array directly.
	if err := json.Unmarshal(data, &resp); err != nil {
		if err2 := json.Unmarshal(data, &resp.Items); err2 != nil {
			return time.Time{}, &TransportError{Method: "wall.getById", Err: err}
		}
	}
	if len(resp.Items) == 0 {
		return time.Time{}, &APIError{Code: 100, Message: "post not found"}
	}
	if resp.Items[0].Date == 0 {
		return time.Time{}, ErrNoPublishTime
	}
	return time.Unix(resp.Items[0].Date, 0).UTC(), nil
}

// Likes pages through likes.getList and returns every user who liked the item.
func (c *Client) Likes(ctx context.Context, r ref.Ref) ([]User, error) {
	likeType := "post"
	if r.Kind == ref.KindMarket {
		likeType = "market"
	}

	var out []User
	for offset := 0; ; offset += likesPageSize {
		data, err := c.Call(ctx, "likes.getList", map[string]string{
			"type":     likeType,
			"owner_id": strconv.FormatInt(r.OwnerID, 10),
			"item_id":  strconv.FormatInt(r.ItemID, 10),
			"count":    strconv.Itoa(likesPageSize),
			"offset":   strconv.Itoa(offset),
			"extended": "1",
		})
		if err != nil {
			return nil, err
		}

		var resp struct {
			Count int       `json:"count"`
			Items []profile `json:"items"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &TransportError{Method: "likes.getList", Err: err}
		}
		for _, p := range resp.Items {
			out = append(out, User{ID: p.ID, Name: p.fullName()})
		}
		if len(resp.Items) == 0 || offset+likesPageSize >= resp.Count {
			return out, nil
		}
	}
}

// Comments pages through wall.getComments, resolving author names from the
// extended profiles payload.
func (c *Client) Comments(ctx context.Context, r ref.Ref) ([]Comment, error) {
	if r.Kind != ref.KindWall {
		return nil, nil
	}

	var out []Comment
	for offset := 0; ; offset += commentsPageSize {
		data, err := c.Call(ctx, "wall.getComments", map[string]string{
			"owner_id": strconv.FormatInt(r.OwnerID, 10),
			"post_id":  strconv.FormatInt(r.ItemID, 10),
			"count":    strconv.Itoa(commentsPageSize),
			"offset":   strconv.Itoa(offset),
			"extended": "1",
			"fields":   "first_name,last_name",
		})
		if err != nil {
			return nil, err
		}

		var resp struct {
			Count int `json:"count"`
			Items []struct {
				FromID int64  `json:"from_id"`
				Text   string `json:"text"`
			} `json:"items"`
			Profiles []profile `json:"profiles"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &TransportError{Method: "wall.getComments", Err: err}
		}

		names := make(map[int64]string, len(resp.Profiles))
		for _, p := range resp.Profiles {
			names[p.ID] = p.fullName()
		}
		for _, it := range resp.Items {
			out = append(out, Comment{AuthorID: it.FromID, AuthorName: names[it.FromID], Text: it.Text})
		}
		if len(resp.Items) == 0 || offset+commentsPageSize >= resp.Count {
			return out, nil
		}
	}
}

// Reposts returns users who shared the item. wall.getReposts is tried
// first; if the API rejects it, newsfeed.search for copies is the
// fallback. Names are resolved through users.get afterwards.
func (c *Client) Reposts(ctx context.Context, r ref.Ref) ([]User, error) {
	if r.Kind != ref.KindWall {
		return nil, nil
	}

	users, err := c.repostsDirect(ctx, r)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return nil, err
		}
		users, err = c.repostsBySearch(ctx, r)
		if err != nil {
			return nil, err
		}
	}
	if err := c.resolveNames(ctx, users); err != nil {
		// Names are cosmetic; keep the ids.
		c.log.Debug("repost name resolution failed", logx.Err(err))
	}
	return users, nil
}

func (c *Client) repostsDirect(ctx context.Context, r ref.Ref) ([]User, error) {
	data, err := c.Call(ctx, "wall.getReposts", map[string]string{
		"owner_id": strconv.FormatInt(r.OwnerID, 10),
		"post_id":  strconv.FormatInt(r.ItemID, 10),
		"count":    strconv.Itoa(likesPageSize),
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Items []struct {
			FromID int64 `json:"from_id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &TransportError{Method: "wall.getReposts", Err: err}
	}
	var out []User
	for _, it := range resp.Items {
		if it.FromID != 0 {
			out = append(out, User{ID: it.FromID})
		}
	}
	return out, nil
}

func (c *Client) repostsBySearch(ctx context.Context, r ref.Ref) ([]User, error) {
	query := fmt.Sprintf("wall%d_%d", r.OwnerID, r.ItemID)
	seen := map[int64]bool{}
	var out []User

	for offset := 0; offset < repostsSearchCap; offset += searchPageSize {
		data, err := c.Call(ctx, "newsfeed.search", map[string]string{
			"q":        query,
			"count":    strconv.Itoa(searchPageSize),
			"offset":   strconv.Itoa(offset),
			"extended": "1",
		})
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Retryable() {
				// Retries already exhausted inside Call; keep what we have.
				return out, nil
			}
			return nil, err
		}

		var resp struct {
			Items []struct {
				FromID      int64 `json:"from_id"`
				CopyHistory []struct {
					OwnerID int64 `json:"owner_id"`
					ID      int64 `json:"id"`
				} `json:"copy_history"`
			} `json:"items"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &TransportError{Method: "newsfeed.search", Err: err}
		}
		if len(resp.Items) == 0 {
			return out, nil
		}
		for _, it := range resp.Items {
			for _, cp := range it.CopyHistory {
				if cp.OwnerID == r.OwnerID && cp.ID == r.ItemID && it.FromID != 0 && !seen[it.FromID] {
					seen[it.FromID] = true
					out = append(out, User{ID: it.FromID})
					break
				}
			}
		}
	}
	return out, nil
}

// resolveNames fills in missing user names via users.get, chunked to the
// API's id limit. Group ids (negative) keep their placeholder.
func (c *Client) resolveNames(ctx context.Context, users []User) error {
	var ids []string
	idx := map[int64][]int{}
	for i, u := range users {
		if u.Name != "" || u.ID <= 0 {
			continue
		}
		if len(idx[u.ID]) == 0 {
			ids = append(ids, strconv.FormatInt(u.ID, 10))
		}
		idx[u.ID] = append(idx[u.ID], i)
	}
	if len(ids) == 0 {
		return nil
	}

	for start := 0; start < len(ids); start += userChunkSize {
		end := start + userChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		data, err := c.Call(ctx, "users.get", map[string]string{
			"user_ids": strings.Join(ids[start:end], ","),
			"fields":   "first_name,last_name",
		})
		if err != nil {
			return err
		}
		var resp []profile
		if err := json.Unmarshal(data, &resp); err != nil {
			return &TransportError{Method: "users.get", Err: err}
		}
		for _, p := range resp {
			for _, i := range idx[p.ID] {
				users[i].Name = p.fullName()
			}
		}
	}
	return nil
}

// CheckToken validates the configured token with a cheap uncached call.
func (c *Client) CheckToken(ctx context.Context) error {
	_, err := c.CallUncached(ctx, "users.get", map[string]string{})
	return err
}
