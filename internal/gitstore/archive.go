// Package gitstore archives transcripts as files in a GitHub repository
// through the contents API, with a local index short-circuiting duplicate
// checks so planning does not burn API quota.
package gitstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tubescribe/internal/config"
	"tubescribe/internal/fetch"
	logx "tubescribe/pkg/logx"
)

const defaultAPIBase = "https://api.github.com"

// Index is the local record of already-archived items. Exists consults it
// before touching the network; Store updates it after a successful upload.
type Index interface {
	SeenItem(ctx context.Context, itemID string) (bool, error)
	MarkItem(ctx context.Context, itemID, sourceID string, publishedAt time.Time) error
}

// Archive implements fetch.Archive on top of a GitHub repository.
type Archive struct {
	http    *http.Client
	baseURL string
	owner   string
	repo    string
	branch  string
	token   string
	prefix  string
	index   Index
	log     logx.Logger
}

func New(cfg config.GitHubConfig, token, folderPrefix string, index Index, hc *http.Client, log logx.Logger) (*Archive, error) {
	if strings.TrimSpace(cfg.Owner) == "" || strings.TrimSpace(cfg.Repo) == "" {
		return nil, errors.New("github owner and repo are required")
	}
	if index == nil {
		return nil, errors.New("gitstore needs a dedup index")
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultAPIBase
	}
	branch := strings.TrimSpace(cfg.Branch)
	if branch == "" {
		branch = "main"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Archive{
		http:    hc,
		baseURL: base,
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		branch:  branch,
		token:   token,
		prefix:  sanitizeSegment(folderPrefix),
		index:   index,
		log:     log,
	}, nil
}

// WithPrefix returns a copy of the archive writing under a different folder.
// Jobs carry their own folder prefix, the HTTP client and index are shared.
func (a *Archive) WithPrefix(folderPrefix string) fetch.Archive {
	cp := *a
	cp.prefix = sanitizeSegment(folderPrefix)
	return &cp
}

// Exists reports whether the item was archived before. The local index is
// authoritative for anything this process stored; a miss is trusted, so a
// wiped database means re-uploads (which Store then treats as overwrites).
func (a *Archive) Exists(ctx context.Context, itemID string) (bool, error) {
	return a.index.SeenItem(ctx, itemID)
}

// Store uploads the transcript and records the item in the index. An upload
// that races another writer (422 on create) resolves by fetching the current
// blob sha and overwriting.
func (a *Archive) Store(ctx context.Context, item fetch.WorkItem, tr fetch.Transcript) error {
	path := a.itemPath(item)
	content := renderFile(item, tr)

	sha, err := a.blobSHA(ctx, item.ItemID, path)
	if err != nil {
		return err
	}
	if err := a.putContents(ctx, item.ItemID, path, content, sha); err != nil {
		// Create raced a concurrent upload of the same path. Re-read the
		// sha and overwrite once.
		var ie *fetch.ItemError
		if errors.As(err, &ie) && ie.Kind == fetch.KindTransient && strings.Contains(err.Error(), "status 422") && sha == "" {
			sha, err = a.blobSHA(ctx, item.ItemID, path)
			if err != nil {
				return err
			}
			if sha == "" {
				return fetch.Transient(item.ItemID, fmt.Errorf("create %s returned 422 but blob is absent", path))
			}
			if err := a.putContents(ctx, item.ItemID, path, content, sha); err != nil {
				return err
			}
		} else {
			return err
		}
	}

	if err := a.index.MarkItem(ctx, item.ItemID, item.SourceID, item.PublishedAt); err != nil {
		// The upload is durable; a failed mark only costs a redundant
		// overwrite next run.
		a.log.Warn("mark archived item", logx.String("item_id", item.ItemID), logx.Err(err))
	}
	a.log.Debug("archived transcript", logx.String("item_id", item.ItemID), logx.String("path", path))
	return nil
}

// itemPath is prefix/source/YYYY-MM-DD_itemID.txt with every segment
// sanitized to a conservative character set.
func (a *Archive) itemPath(item fetch.WorkItem) string {
	name := fmt.Sprintf("%s_%s.txt", item.PublishedAt.UTC().Format("2006-01-02"), sanitizeSegment(item.ItemID))
	segs := make([]string, 0, 3)
	if a.prefix != "" {
		segs = append(segs, a.prefix)
	}
	if s := sanitizeSegment(item.SourceID); s != "" {
		segs = append(segs, s)
	}
	segs = append(segs, name)
	return strings.Join(segs, "/")
}

func renderFile(item fetch.WorkItem, tr fetch.Transcript) []byte {
	var sb strings.Builder
	sb.WriteString("# " + strings.TrimSpace(item.Title) + "\n")
	sb.WriteString("# video: " + item.ItemID + "\n")
	sb.WriteString("# published: " + item.PublishedAt.UTC().Format(time.RFC3339) + "\n")
	sb.WriteString("# captions: " + tr.Kind + " (" + tr.Language + ")\n\n")
	sb.WriteString(tr.Text)
	sb.WriteByte('\n')
	return []byte(sb.String())
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		case r == '/' || r == '\\' || r == ' ':
			sb.WriteByte('-')
		}
	}
	return strings.Trim(sb.String(), "-.")
}

// ---- contents API ----

type contentsResponse struct {
	SHA string `json:"sha"`
}

// blobSHA returns the current blob sha at path, or "" if the file is absent.
func (a *Archive) blobSHA(ctx context.Context, itemID, path string) (string, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		a.baseURL, a.owner, a.repo, escapePath(path), url.QueryEscape(a.branch))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	a.auth(req)
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fetch.Transient(itemID, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
		var c contentsResponse
		if err := json.Unmarshal(body, &c); err != nil {
			return "", fetch.Transient(itemID, fmt.Errorf("decode contents: %w", err))
		}
		return c.SHA, nil
	case resp.StatusCode == http.StatusNotFound:
		return "", nil
	default:
		return "", classify(itemID, resp, body)
	}
}

func (a *Archive) putContents(ctx context.Context, itemID, path string, content []byte, sha string) error {
	payload := map[string]any{
		"message": "Add transcript " + itemID,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  a.branch,
	}
	if sha != "" {
		payload["message"] = "Update transcript " + itemID
		payload["sha"] = sha
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s", a.baseURL, a.owner, a.repo, escapePath(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	a.auth(req)

	resp, err := a.http.Do(req)
	if err != nil {
		return fetch.Transient(itemID, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}
	return classify(itemID, resp, respBody)
}

func (a *Archive) auth(req *http.Request) {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
}

// classify maps GitHub API failures onto the retry taxonomy. GitHub signals
// rate limiting as 403/429 with X-RateLimit-Remaining: 0 and a reset epoch.
func classify(itemID string, resp *http.Response, body []byte) error {
	var apiErr struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiErr)
	base := fmt.Errorf("github status %d (%s)", resp.StatusCode, firstNonEmpty(apiErr.Message, "no detail"))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return fetch.RateLimited(itemID, base, rateResetDelay(resp))
	case resp.StatusCode == http.StatusNotFound:
		return fetch.NotFound(itemID, base)
	case resp.StatusCode >= 500:
		return fetch.Transient(itemID, base)
	default:
		return fetch.Transient(itemID, base)
	}
}

// rateResetDelay prefers Retry-After and falls back to the X-RateLimit-Reset
// epoch, which primary rate limit responses carry instead.
func rateResetDelay(resp *http.Response) time.Duration {
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := strings.TrimSpace(resp.Header.Get("X-RateLimit-Reset")); v != "" {
		var epoch int64
		if _, err := fmt.Sscanf(v, "%d", &epoch); err == nil && epoch > 0 {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d.Round(time.Second)
			}
		}
	}
	return 0
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
