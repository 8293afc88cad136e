package bsky

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "skybot/pkg/logx"
)

func newTestClient(t *testing.T, host string) *Client {
	t.Helper()
	c, err := New(Config{
		Host:       host,
		Identifier: "bot.example.com",
		Password:   "app-password",
		Timeout:    5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return c
}

func sessionJSON(access, refresh string) string {
	return `{"did":"did:plc:abc123","handle":"bot.example.com","accessJwt":"` + access + `","refreshJwt":"` + refresh + `"}`
}

func TestLoginStoresSession(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.server.createSession" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["identifier"] != "bot.example.com" {
			t.Errorf("identifier = %q", in["identifier"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sessionJSON("access-1", "refresh-1")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if c.Did() != "did:plc:abc123" {
		t.Fatalf("Did() = %q", c.Did())
	}
	if c.Handle() != "bot.example.com" {
		t.Fatalf("Handle() = %q", c.Handle())
	}
}

func TestCreatePostSendsRecord(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			_, _ = w.Write([]byte(sessionJSON("access-1", "refresh-1")))
		case "/xrpc/com.atproto.repo.createRecord":
			if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
				t.Errorf("Authorization = %q", got)
			}
			var in struct {
				Repo       string   `json:"repo"`
				Collection string   `json:"collection"`
				Record     FeedPost `json:"record"`
			}
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				t.Errorf("decode input: %v", err)
			}
			if in.Collection != "app.bsky.feed.post" || in.Repo != "did:plc:abc123" {
				t.Errorf("bad input: %+v", in)
			}
			if in.Record.Text != "hello" || in.Record.Type != "app.bsky.feed.post" {
				t.Errorf("bad record: %+v", in.Record)
			}
			_, _ = w.Write([]byte(`{"uri":"at://did:plc:abc123/app.bsky.feed.post/3k44","cid":"bafy123"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	ref, err := c.CreatePost(context.Background(), "hello", nil, nil)
	if err != nil {
		t.Fatalf("CreatePost error: %v", err)
	}
	if ref.Uri != "at://did:plc:abc123/app.bsky.feed.post/3k44" {
		t.Fatalf("ref.Uri = %q", ref.Uri)
	}
}

func TestThrottledResponseParsesRatelimitHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "createSession") {
			_, _ = w.Write([]byte(sessionJSON("access-1", "refresh-1")))
			return
		}
		w.Header().Set("ratelimit-limit", "5000")
		w.Header().Set("ratelimit-remaining", "0")
		w.Header().Set("ratelimit-reset", "1767225600")
		w.Header().Set("ratelimit-policy", "5000;w=3600")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"RateLimitExceeded","message":"Rate Limit Exceeded"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := c.CreatePost(context.Background(), "hello", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsThrottled(err) {
		t.Fatalf("IsThrottled = false for %v", err)
	}
	var xe *Error
	if !errors.As(err, &xe) {
		t.Fatalf("not an *Error: %v", err)
	}
	if xe.Code != "RateLimitExceeded" || xe.Ratelimit == nil {
		t.Fatalf("unexpected error detail: %+v", xe)
	}
	if xe.Ratelimit.Limit != 5000 || xe.Ratelimit.Remaining != 0 {
		t.Fatalf("ratelimit headers not parsed: %+v", xe.Ratelimit)
	}
}

func TestExpiredTokenTriggersRefresh(t *testing.T) {
	t.Parallel()
	var createCalls, refreshCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "createSession"):
			_, _ = w.Write([]byte(sessionJSON("stale", "refresh-1")))
		case strings.HasSuffix(r.URL.Path, "refreshSession"):
			refreshCalls.Add(1)
			if got := r.Header.Get("Authorization"); got != "Bearer refresh-1" {
				t.Errorf("refresh Authorization = %q", got)
			}
			_, _ = w.Write([]byte(sessionJSON("fresh", "refresh-2")))
		case strings.HasSuffix(r.URL.Path, "createRecord"):
			if createCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"ExpiredToken","message":"Token has expired"}`))
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer fresh" {
				t.Errorf("retried with Authorization = %q", got)
			}
			_, _ = w.Write([]byte(`{"uri":"at://did:plc:abc123/app.bsky.feed.post/3k45","cid":"bafy456"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	ref, err := c.CreatePost(context.Background(), "hello again", nil, nil)
	if err != nil {
		t.Fatalf("CreatePost error: %v", err)
	}
	if ref.Cid != "bafy456" {
		t.Fatalf("ref.Cid = %q", ref.Cid)
	}
	if refreshCalls.Load() != 1 || createCalls.Load() != 2 {
		t.Fatalf("calls: refresh=%d create=%d", refreshCalls.Load(), createCalls.Load())
	}
}

func TestListNotifications(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "createSession"):
			_, _ = w.Write([]byte(sessionJSON("access-1", "refresh-1")))
		case strings.HasSuffix(r.URL.Path, "listNotifications"):
			if got := r.URL.Query().Get("limit"); got != "25" {
				t.Errorf("limit param = %q", got)
			}
			_, _ = w.Write([]byte(`{"notifications":[
				{"uri":"at://did:plc:other/app.bsky.feed.post/aaa","cid":"c1","reason":"mention","isRead":false,
				 "author":{"did":"did:plc:other","handle":"friend.example.com"},"indexedAt":"2026-08-29T10:00:00Z"},
				{"uri":"at://did:plc:other/app.bsky.feed.post/bbb","cid":"c2","reason":"like","isRead":true,
				 "author":{"did":"did:plc:other","handle":"friend.example.com"},"indexedAt":"2026-08-29T09:00:00Z"}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	notifs, err := c.ListNotifications(context.Background(), 25)
	if err != nil {
		t.Fatalf("ListNotifications error: %v", err)
	}
	if len(notifs) != 2 {
		t.Fatalf("got %d notifications", len(notifs))
	}
	if notifs[0].Reason != "mention" || notifs[0].Author.Handle != "friend.example.com" {
		t.Fatalf("unexpected first notification: %+v", notifs[0])
	}
}

func TestRecordKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{uri: "at://did:plc:abc/app.bsky.feed.post/3k44", want: "3k44"},
		{uri: "at://did:plc:abc/app.bsky.feed.post/", wantErr: true},
		{uri: "not-a-uri", wantErr: true},
	}
	for _, tt := range tests {
		got, err := recordKey(tt.uri)
		if tt.wantErr {
			if err == nil {
				t.Errorf("recordKey(%q): expected error", tt.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("recordKey(%q) error: %v", tt.uri, err)
			continue
		}
		if got != tt.want {
			t.Errorf("recordKey(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}
