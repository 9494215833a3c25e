// Package youtube lists channel uploads through the Data API v3 and retrieves
// caption tracks through the timedtext endpoint.
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tubescribe/internal/config"
	"tubescribe/internal/fetch"
	logx "tubescribe/pkg/logx"
)

const (
	defaultBaseURL  = "https://www.googleapis.com/youtube/v3"
	defaultPageSize = 50
	maxPages        = 40 // hard stop: 40 * 50 = 2000 uploads per listing
)

// Client talks to the upstream video platform. It implements both
// fetch.SourceLister (channel uploads) and, via Transcripts, the item side.
type Client struct {
	http     *http.Client
	baseURL  string
	apiKey   string
	pageSize int
	log      logx.Logger

	mu         sync.Mutex
	channelIDs map[string]string // source string -> resolved channel id
}

func NewClient(cfg config.YouTubeConfig, apiKey string, hc *http.Client, log logx.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	size := cfg.PageSize
	if size <= 0 || size > 50 {
		size = defaultPageSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{http: hc, baseURL: base, apiKey: apiKey, pageSize: size, log: log, channelIDs: map[string]string{}}
}

// ---- wire shapes (only the fields we read) ----

type channelListResponse struct {
	Items []struct {
		ContentDetails struct {
			RelatedPlaylists struct {
				Uploads string `json:"uploads"`
			} `json:"relatedPlaylists"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type playlistItemsResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
		ContentDetails struct {
			VideoID          string `json:"videoId"`
			VideoPublishedAt string `json:"videoPublishedAt"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type searchListResponse struct {
	Items []struct {
		ID struct {
			ChannelID string `json:"channelId"`
		} `json:"id"`
	} `json:"items"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// List returns a channel's uploads published after since, oldest first.
//
// The uploads playlist is served newest first, so paging stops as soon as a
// full page falls at or before the floor.
func (c *Client) List(ctx context.Context, sourceID string, since time.Time) ([]fetch.WorkItem, error) {
	channelID, err := c.resolveChannel(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	playlist, err := c.uploadsPlaylist(ctx, channelID)
	if err != nil {
		return nil, err
	}

	var items []fetch.WorkItem
	pageToken := ""
	for page := 0; page < maxPages; page++ {
		resp, err := c.playlistPage(ctx, playlist, pageToken)
		if err != nil {
			return nil, err
		}
		pastFloor := false
		for _, it := range resp.Items {
			pub, err := time.Parse(time.RFC3339, it.ContentDetails.VideoPublishedAt)
			if err != nil {
				// Unlisted/processing entries carry no publish time; skip.
				continue
			}
			if !pub.After(since) {
				pastFloor = true
				continue
			}
			items = append(items, fetch.WorkItem{
				ItemID:      it.ContentDetails.VideoID,
				SourceID:    sourceID,
				Title:       it.Snippet.Title,
				PublishedAt: pub.UTC(),
			})
		}
		if pastFloor || resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	sort.Slice(items, func(i, j int) bool { return items[i].PublishedAt.Before(items[j].PublishedAt) })
	c.log.Debug("listed uploads", logx.String("channel", sourceID), logx.Int("items", len(items)))
	return items, nil
}

// resolveChannel turns a job source into a channel id. Raw channel ids pass
// through; anything else (a channel name or handle) goes through the search
// endpoint once, with the answer cached for the life of the client.
func (c *Client) resolveChannel(ctx context.Context, source string) (string, error) {
	if isChannelID(source) {
		return source, nil
	}
	c.mu.Lock()
	id, ok := c.channelIDs[source]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	q := url.Values{}
	q.Set("part", "snippet")
	q.Set("type", "channel")
	q.Set("maxResults", "1")
	q.Set("q", source)
	var resp searchListResponse
	if err := c.getJSON(ctx, source, "/search", q, &resp); err != nil {
		return "", err
	}
	if len(resp.Items) == 0 || resp.Items[0].ID.ChannelID == "" {
		return "", fetch.NotFound(source, fmt.Errorf("no channel matches %q", source))
	}
	id = resp.Items[0].ID.ChannelID

	c.mu.Lock()
	c.channelIDs[source] = id
	c.mu.Unlock()
	c.log.Debug("resolved channel", logx.String("source", source), logx.String("channel_id", id))
	return id, nil
}

// isChannelID matches the canonical channel id shape (UC + 22 id chars).
func isChannelID(s string) bool {
	if len(s) != 24 || !strings.HasPrefix(s, "UC") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func (c *Client) uploadsPlaylist(ctx context.Context, channelID string) (string, error) {
	q := url.Values{}
	q.Set("part", "contentDetails")
	q.Set("id", channelID)
	var resp channelListResponse
	if err := c.getJSON(ctx, channelID, "/channels", q, &resp); err != nil {
		return "", err
	}
	if len(resp.Items) == 0 {
		return "", fetch.NotFound(channelID, fmt.Errorf("channel %s not found", channelID))
	}
	uploads := resp.Items[0].ContentDetails.RelatedPlaylists.Uploads
	if uploads == "" {
		return "", fetch.NotFound(channelID, fmt.Errorf("channel %s has no uploads playlist", channelID))
	}
	return uploads, nil
}

func (c *Client) playlistPage(ctx context.Context, playlistID, pageToken string) (*playlistItemsResponse, error) {
	q := url.Values{}
	q.Set("part", "snippet,contentDetails")
	q.Set("playlistId", playlistID)
	q.Set("maxResults", strconv.Itoa(c.pageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var resp playlistItemsResponse
	if err := c.getJSON(ctx, playlistID, "/playlistItems", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, itemID, path string, q url.Values, out any) error {
	q.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fetch.Transient(itemID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fetch.Transient(itemID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return classifyAPIError(itemID, resp, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fetch.Transient(itemID, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classifyAPIError maps Data API failures onto the retry taxonomy. The API
// reports quota exhaustion as 403 with a dedicated reason string.
func classifyAPIError(itemID string, resp *http.Response, body []byte) error {
	var apiErr apiErrorResponse
	_ = json.Unmarshal(body, &apiErr)
	reason := ""
	if len(apiErr.Error.Errors) > 0 {
		reason = apiErr.Error.Errors[0].Reason
	}
	base := fmt.Errorf("api status %d (%s)", resp.StatusCode, firstNonEmpty(apiErr.Error.Message, reason, "no detail"))

	switch {
	case resp.StatusCode == http.StatusForbidden &&
		(reason == "quotaExceeded" || reason == "dailyLimitExceeded"):
		return fetch.QuotaExceeded(itemID, base)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fetch.RateLimited(itemID, base, retryAfter(resp))
	case resp.StatusCode == http.StatusNotFound:
		return fetch.NotFound(itemID, base)
	case resp.StatusCode >= 500:
		return fetch.Transient(itemID, base)
	default:
		return fetch.Transient(itemID, base)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
