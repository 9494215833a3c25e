package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tubescribe/internal/config"
	"tubescribe/internal/fetch"
	logx "tubescribe/pkg/logx"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(config.YouTubeConfig{BaseURL: srv.URL, PageSize: 2}, "test-key", srv.Client(), logx.Nop())
	return c, srv
}

func channelJSON(uploads string) string {
	return fmt.Sprintf(`{"items":[{"contentDetails":{"relatedPlaylists":{"uploads":%q}}}]}`, uploads)
}

func TestListPaginatesAndFloors(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "chan-1" {
			t.Errorf("search q = %q", got)
		}
		fmt.Fprint(w, `{"items":[{"id":{"channelId":"UCabcdefghijklmnopqrstuv"}}]}`)
	})
	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if got := r.URL.Query().Get("id"); got != "UCabcdefghijklmnopqrstuv" {
			t.Errorf("channel id = %q", got)
		}
		fmt.Fprint(w, channelJSON("UU123"))
	})
	mux.HandleFunc("/playlistItems", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("playlistId"); got != "UU123" {
			t.Errorf("playlistId = %q", got)
		}
		// Newest first, two per page. The third item sits at the floor,
		// so paging must stop after page two without requesting page three.
		switch r.URL.Query().Get("pageToken") {
		case "":
			fmt.Fprint(w, `{"nextPageToken":"p2","items":[
				{"snippet":{"title":"new2"},"contentDetails":{"videoId":"v3","videoPublishedAt":"2024-03-05T00:00:00Z"}},
				{"snippet":{"title":"new1"},"contentDetails":{"videoId":"v2","videoPublishedAt":"2024-03-04T00:00:00Z"}}]}`)
		case "p2":
			fmt.Fprint(w, `{"nextPageToken":"p3","items":[
				{"snippet":{"title":"old"},"contentDetails":{"videoId":"v1","videoPublishedAt":"2024-03-01T00:00:00Z"}}]}`)
		default:
			t.Errorf("unexpected pageToken %q", r.URL.Query().Get("pageToken"))
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	c, _ := newTestClient(t, mux)

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	items, err := c.List(context.Background(), "chan-1", since)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2: %v", len(items), items)
	}
	if items[0].ItemID != "v2" || items[1].ItemID != "v3" {
		t.Fatalf("items not oldest-first: %v", items)
	}
	if items[0].SourceID != "chan-1" || items[0].Title != "new1" {
		t.Fatalf("item fields: %+v", items[0])
	}
}

func TestListUnknownChannel(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/channels", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"items":[]}`)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.List(context.Background(), "UCgonegonegonegonegonego", time.Time{})
	if fetch.KindOf(err) != fetch.KindNotFound {
		t.Fatalf("kind = %v (err %v), want not_found", fetch.KindOf(err), err)
	}
}

func TestResolveChannelSearchesOnceAndCaches(t *testing.T) {
	t.Parallel()
	searches := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		searches++
		if got := r.URL.Query().Get("type"); got != "channel" {
			t.Errorf("search type = %q", got)
		}
		fmt.Fprint(w, `{"items":[{"id":{"channelId":"UC0123456789abcdefghijkl"}}]}`)
	})
	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("id"); got != "UC0123456789abcdefghijkl" {
			t.Errorf("channel id = %q", got)
		}
		fmt.Fprint(w, channelJSON("UU456"))
	})
	mux.HandleFunc("/playlistItems", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"items":[]}`)
	})
	c, _ := newTestClient(t, mux)

	for i := 0; i < 2; i++ {
		if _, err := c.List(context.Background(), "Some Channel Name", time.Time{}); err != nil {
			t.Fatalf("List #%d: %v", i+1, err)
		}
	}
	if searches != 1 {
		t.Fatalf("search calls = %d, want 1", searches)
	}
}

func TestResolveChannelNoMatch(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"items":[]}`)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.List(context.Background(), "nobody here", time.Time{})
	if fetch.KindOf(err) != fetch.KindNotFound {
		t.Fatalf("kind = %v (err %v), want not_found", fetch.KindOf(err), err)
	}
}

func TestListQuotaExceeded(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/channels", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"quota","errors":[{"reason":"quotaExceeded"}]}}`)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.List(context.Background(), "UCabcdefghijklmnopqrstuv", time.Time{})
	if fetch.KindOf(err) != fetch.KindQuotaExceeded {
		t.Fatalf("kind = %v (err %v), want quota_exceeded", fetch.KindOf(err), err)
	}
}

func TestListRateLimitedCarriesRetryAfter(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/channels", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.List(context.Background(), "UCabcdefghijklmnopqrstuv", time.Time{})
	if fetch.KindOf(err) != fetch.KindRateLimited {
		t.Fatalf("kind = %v, want rate_limited", fetch.KindOf(err))
	}
	if got := fetch.HintOf(err); got != 7*time.Second {
		t.Fatalf("retry hint = %v, want 7s", got)
	}
}

func TestListServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/channels", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.List(context.Background(), "UCabcdefghijklmnopqrstuv", time.Time{})
	if err == nil || fetch.KindOf(err) != fetch.KindTransient {
		t.Fatalf("kind = %v (err %v), want transient", fetch.KindOf(err), err)
	}
}

// ---- transcripts ----

func newTestTranscripts(t *testing.T, handler http.Handler, langs ...string) *Transcripts {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTranscripts(config.YouTubeConfig{TranscriptBaseURL: srv.URL, Languages: langs}, srv.Client(), logx.Nop())
}

func timedtextHandler(t *testing.T, list, body string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/timedtext" {
			t.Errorf("path = %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("type") == "list" {
			fmt.Fprint(w, list)
			return
		}
		fmt.Fprint(w, body)
	})
}

func TestFetchPrefersManualTrack(t *testing.T) {
	t.Parallel()
	list := `<transcript_list>
		<track lang_code="en" kind="asr"/>
		<track lang_code="de"/>
		<track lang_code="en" name="CC"/>
	</transcript_list>`
	body := `<transcript><text start="0" dur="2">Hello &amp; welcome</text><text start="2" dur="2">to the show</text></transcript>`

	var gotQuery map[string]string
	tr := newTestTranscripts(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") == "list" {
			fmt.Fprint(w, list)
			return
		}
		gotQuery = map[string]string{
			"lang": r.URL.Query().Get("lang"),
			"kind": r.URL.Query().Get("kind"),
		}
		fmt.Fprint(w, body)
	}), "en")

	out, err := tr.Fetch(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if out.Language != "en" || out.Kind != "manual" {
		t.Fatalf("track = %+v, want manual en", out)
	}
	if gotQuery["lang"] != "en" || gotQuery["kind"] != "" {
		t.Fatalf("track request query = %v, want manual en", gotQuery)
	}
	if out.Text != "Hello & welcome\nto the show" {
		t.Fatalf("text = %q", out.Text)
	}
}

func TestFetchFallsBackToGenerated(t *testing.T) {
	t.Parallel()
	list := `<transcript_list><track lang_code="en" kind="asr"/></transcript_list>`
	body := `<transcript><text>auto words</text></transcript>`
	tr := newTestTranscripts(t, timedtextHandler(t, list, body), "en")

	out, err := tr.Fetch(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if out.Kind != "generated" {
		t.Fatalf("kind = %q, want generated", out.Kind)
	}
}

func TestFetchNoTracksIsNotFound(t *testing.T) {
	t.Parallel()
	tr := newTestTranscripts(t, timedtextHandler(t, "", ""), "en")

	_, err := tr.Fetch(context.Background(), "vid-1")
	if fetch.KindOf(err) != fetch.KindNotFound {
		t.Fatalf("kind = %v (err %v), want not_found", fetch.KindOf(err), err)
	}
	var ie *fetch.ItemError
	if !errors.As(err, &ie) || ie.ItemID != "vid-1" {
		t.Fatalf("err = %v, want ItemError for vid-1", err)
	}
}

func TestFetchRateLimited(t *testing.T) {
	t.Parallel()
	tr := newTestTranscripts(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}), "en")

	_, err := tr.Fetch(context.Background(), "vid-1")
	if fetch.KindOf(err) != fetch.KindRateLimited {
		t.Fatalf("kind = %v, want rate_limited", fetch.KindOf(err))
	}
}
