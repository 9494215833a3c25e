package youtube

import (
	"context"
	"encoding/xml"
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

const defaultTimedtextBase = "https://video.google.com"

// Transcripts retrieves caption tracks through the timedtext endpoint.
// Implements fetch.ItemFetcher.
type Transcripts struct {
	http    *http.Client
	baseURL string
	langs   []string
	log     logx.Logger
}

func NewTranscripts(cfg config.YouTubeConfig, hc *http.Client, log logx.Logger) *Transcripts {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.TranscriptBaseURL), "/")
	if base == "" {
		base = defaultTimedtextBase
	}
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"en"}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transcripts{http: hc, baseURL: base, langs: langs, log: log}
}

type trackList struct {
	Tracks []track `xml:"track"`
}

type track struct {
	LangCode string `xml:"lang_code,attr"`
	Kind     string `xml:"kind,attr"` // "asr" for auto-generated, empty for manual
	Name     string `xml:"name,attr"`
}

type timedText struct {
	Lines []struct {
		Text string `xml:",chardata"`
	} `xml:"text"`
}

// Fetch downloads the best available caption track for a video: a manual
// track in a preferred language wins over auto-generated, auto-generated
// over nothing. No track at all is a permanent not-found.
func (t *Transcripts) Fetch(ctx context.Context, itemID string) (fetch.Transcript, error) {
	tracks, err := t.listTracks(ctx, itemID)
	if err != nil {
		return fetch.Transcript{}, err
	}
	tr, ok := t.pickTrack(tracks)
	if !ok {
		return fetch.Transcript{}, fetch.NotFound(itemID, fmt.Errorf("video %s has no caption tracks", itemID))
	}

	q := url.Values{}
	q.Set("v", itemID)
	q.Set("lang", tr.LangCode)
	if tr.Kind != "" {
		q.Set("kind", tr.Kind)
	}
	if tr.Name != "" {
		q.Set("name", tr.Name)
	}
	body, err := t.get(ctx, itemID, q)
	if err != nil {
		return fetch.Transcript{}, err
	}

	var doc timedText
	if err := xml.Unmarshal(body, &doc); err != nil {
		return fetch.Transcript{}, fetch.Transient(itemID, fmt.Errorf("decode track: %w", err))
	}
	var sb strings.Builder
	for _, line := range doc.Lines {
		s := strings.TrimSpace(line.Text)
		if s == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(s)
	}
	if sb.Len() == 0 {
		return fetch.Transcript{}, fetch.NotFound(itemID, fmt.Errorf("caption track for %s is empty", itemID))
	}

	kind := "manual"
	if tr.Kind == "asr" {
		kind = "generated"
	}
	t.log.Debug("fetched transcript",
		logx.String("item_id", itemID),
		logx.String("lang", tr.LangCode),
		logx.String("kind", kind))
	return fetch.Transcript{ItemID: itemID, Language: tr.LangCode, Kind: kind, Text: sb.String()}, nil
}

func (t *Transcripts) listTracks(ctx context.Context, itemID string) ([]track, error) {
	q := url.Values{}
	q.Set("type", "list")
	q.Set("v", itemID)
	body, err := t.get(ctx, itemID, q)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var list trackList
	if err := xml.Unmarshal(body, &list); err != nil {
		return nil, fetch.Transient(itemID, fmt.Errorf("decode track list: %w", err))
	}
	return list.Tracks, nil
}

// pickTrack prefers manual tracks in language-preference order, then any
// manual track, then auto-generated in preference order, then anything.
func (t *Transcripts) pickTrack(tracks []track) (track, bool) {
	if len(tracks) == 0 {
		return track{}, false
	}
	manual := func(tr track) bool { return tr.Kind != "asr" }
	for _, lang := range t.langs {
		for _, tr := range tracks {
			if manual(tr) && tr.LangCode == lang {
				return tr, true
			}
		}
	}
	for _, tr := range tracks {
		if manual(tr) {
			return tr, true
		}
	}
	for _, lang := range t.langs {
		for _, tr := range tracks {
			if tr.LangCode == lang {
				return tr, true
			}
		}
	}
	return tracks[0], true
}

func (t *Transcripts) get(ctx context.Context, itemID string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/timedtext?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fetch.Transient(itemID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fetch.Transient(itemID, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fetch.NotFound(itemID, fmt.Errorf("timedtext status 404"))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fetch.RateLimited(itemID, fmt.Errorf("timedtext status 429"), retryAfter(resp))
	case resp.StatusCode >= 500:
		return nil, fetch.Transient(itemID, fmt.Errorf("timedtext status %d", resp.StatusCode))
	default:
		return nil, fetch.Transient(itemID, fmt.Errorf("timedtext status %d", resp.StatusCode))
	}
}
