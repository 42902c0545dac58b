package reddit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/onnwee/threadwatch/telemetry"
)

// moreChildrenBatch is the per-request id limit of /api/morechildren.
const moreChildrenBatch = 100

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []thing `json:"children"`
	} `json:"data"`
}

type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type commentData struct {
	ID         string          `json:"id"`
	Author     string          `json:"author"`
	Body       string          `json:"body"`
	Permalink  string          `json:"permalink"`
	CreatedUTC float64         `json:"created_utc"`
	Replies    json.RawMessage `json:"replies"` // "" when there are none
}

type moreData struct {
	ID       string   `json:"id"`
	ParentID string   `json:"parent_id"`
	Count    int      `json:"count"`
	Children []string `json:"children"`
}

type moreChildrenResponse struct {
	JSON struct {
		Errors [][]any `json:"errors"`
		Data   struct {
			Things []thing `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

// collector flattens a comment tree, remembering ids so repeated expansion
// of overlapping stubs never yields a reply twice.
type collector struct {
	replies []Reply
	seen    map[string]struct{}
	pending []moreData
}

func (c *collector) walk(things []thing) error {
	for _, t := range things {
		switch t.Kind {
		case "t1":
			var cd commentData
			if err := json.Unmarshal(t.Data, &cd); err != nil {
				return fmt.Errorf("decode comment: %w", err)
			}
			if _, dup := c.seen[cd.ID]; !dup && cd.ID != "" {
				c.seen[cd.ID] = struct{}{}
				c.replies = append(c.replies, Reply{
					ID:        cd.ID,
					Author:    cd.Author,
					Body:      cd.Body,
					CreatedAt: int64(cd.CreatedUTC),
					Permalink: cd.Permalink,
				})
			}
			if r := bytes.TrimSpace(cd.Replies); len(r) > 0 && r[0] == '{' {
				var sub listing
				if err := json.Unmarshal(r, &sub); err != nil {
					return fmt.Errorf("decode replies of %s: %w", cd.ID, err)
				}
				if err := c.walk(sub.Data.Children); err != nil {
					return err
				}
			}
		case "more":
			var md moreData
			if err := json.Unmarshal(t.Data, &md); err != nil {
				return fmt.Errorf("decode more stub: %w", err)
			}
			c.pending = append(c.pending, md)
		}
	}
	return nil
}

// FetchReplies returns every reply of the thread, expanding "load more" and
// "continue this thread" stubs until none remain or the expansion cap is hit.
// Replies come back in tree order; callers sort as they need.
func (s *Session) FetchReplies(ctx context.Context, threadURL string) ([]Reply, error) {
	id, err := ParseThreadID(threadURL)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartSpan(ctx, "reddit", "fetch_replies")
	defer span.End()

	var page []listing
	if err := s.getJSON(ctx, "/comments/"+id, url.Values{"limit": {"500"}}, &page); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if len(page) < 2 {
		err := fmt.Errorf("reddit: unexpected comments payload for %s: %d listings", id, len(page))
		telemetry.RecordError(span, err)
		return nil, err
	}

	c := &collector{seen: make(map[string]struct{})}
	if err := c.walk(page[1].Data.Children); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := s.expand(ctx, id, c); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanSuccess(span)
	return c.replies, nil
}

func (s *Session) expand(ctx context.Context, id string, c *collector) error {
	requests := 0
	for len(c.pending) > 0 {
		if requests >= s.opts.ExpansionCap {
			telemetry.IncTruncatedFetch()
			slog.Warn("reply list truncated at expansion cap",
				slog.String("thread", id),
				slog.Int("cap", s.opts.ExpansionCap),
				slog.Int("unexpanded_stubs", len(c.pending)),
				slog.String("component", "reddit"))
			return nil
		}
		m := c.pending[0]
		c.pending = c.pending[1:]
		requests++
		telemetry.IncExpansionFetch()

		if len(m.Children) == 0 {
			// "continue this thread": reload the subtree rooted at the parent
			parent, ok := strings.CutPrefix(m.ParentID, "t1_")
			if !ok || parent == "" {
				continue
			}
			var page []listing
			q := url.Values{"comment": {parent}, "limit": {"500"}}
			if err := s.getJSON(ctx, "/comments/"+id, q, &page); err != nil {
				return err
			}
			if len(page) >= 2 {
				if err := c.walk(page[1].Data.Children); err != nil {
					return err
				}
			}
			continue
		}

		batch := m.Children
		if len(batch) > moreChildrenBatch {
			rest := m
			rest.Children = batch[moreChildrenBatch:]
			c.pending = append(c.pending, rest)
			batch = batch[:moreChildrenBatch]
		}
		var resp moreChildrenResponse
		q := url.Values{
			"api_type": {"json"},
			"link_id":  {"t3_" + id},
			"children": {strings.Join(batch, ",")},
		}
		if err := s.getJSON(ctx, "/api/morechildren", q, &resp); err != nil {
			return err
		}
		if len(resp.JSON.Errors) > 0 {
			return fmt.Errorf("reddit morechildren for %s: %v", id, resp.JSON.Errors)
		}
		if err := c.walk(resp.JSON.Data.Things); err != nil {
			return err
		}
	}
	return nil
}
