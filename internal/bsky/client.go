// Package bsky is a minimal XRPC client for the handful of atproto calls the
// bot performs: session login/refresh, record create/delete, notification
// listing and read-state updates.
package bsky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	logx "skybot/pkg/logx"
)

type requestKind int

const (
	kindQuery requestKind = iota
	kindProcedure
)

const defaultHost = "https://bsky.social"

type Config struct {
	Host       string // PDS base URL, e.g. "https://bsky.social"
	Identifier string // handle or DID
	Password   string // app password
	UserAgent  string
	Timeout    time.Duration
}

// Client talks to one PDS on behalf of one account. Safe for concurrent use;
// the session tokens are guarded and refreshed in place.
type Client struct {
	host      string
	userAgent string
	http      *http.Client

	identifier string
	password   string

	mu      sync.Mutex
	session *Session

	log logx.Logger
}

// Session holds the tokens and identity returned by createSession.
type Session struct {
	Did        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		host = defaultHost
	}
	if strings.TrimSpace(cfg.Identifier) == "" {
		return nil, fmt.Errorf("bsky: identifier is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("bsky: password is required")
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "skybot"
	}
	return &Client{
		host:       host,
		userAgent:  ua,
		http:       newHTTPClient(cfg.Timeout, log),
		identifier: strings.TrimSpace(cfg.Identifier),
		password:   cfg.Password,
		log:        log,
	}, nil
}

// newHTTPClient builds a retrying HTTP client for transient failures.
// 429 is deliberately excluded from transport-level retries: throttling is a
// policy signal the executor answers with a cooldown, not a quick re-send.
func newHTTPClient(timeout time.Duration, log logx.Logger) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = retryablehttp.LeveledLogger(retryLogger{log: log})
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	c := rc.StandardClient()
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c.Timeout = timeout
	return c
}

// retryLogger adapts logx to retryablehttp's leveled logger. Intermediate
// retry failures are demoted to WARN; retry scheduling is DEBUG noise.
type retryLogger struct{ log logx.Logger }

func (l retryLogger) Error(msg string, kv ...interface{}) { l.log.Warn(msg, kvFields(kv)...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.log.Warn(msg, kvFields(kv)...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.log.Debug(msg, kvFields(kv)...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.log.Debug(msg, kvFields(kv)...) }

func kvFields(kv []interface{}) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k := fmt.Sprint(kv[i])
		fields = append(fields, logx.Any(k, kv[i+1]))
	}
	return fields
}

// Did returns the account DID once a session is established.
func (c *Client) Did() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Did
}

// Handle returns the account handle once a session is established.
func (c *Client) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Handle
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessJwt
}

// do performs one XRPC call. Procedures marshal the body as JSON; queries
// encode params into the URL. A decoded XRPC error body becomes *Error.
func (c *Client) do(ctx context.Context, kind requestKind, method string, params map[string]any, body any, out any) error {
	endpoint := c.host + "/xrpc/" + method
	if len(params) > 0 {
		endpoint += "?" + encodeParams(params)
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bsky: marshal %s input: %w", method, err)
		}
		rd = bytes.NewReader(b)
	}

	httpMethod := http.MethodGet
	if kind == kindProcedure {
		httpMethod = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)
	if tok := c.accessToken(); tok != "" && method != "com.atproto.server.createSession" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bsky: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("bsky: decode %s output: %w", method, err)
		}
	}
	return nil
}

// doAuthed runs a call and transparently refreshes the session once when the
// access token has expired.
func (c *Client) doAuthed(ctx context.Context, kind requestKind, method string, params map[string]any, body, out any) error {
	err := c.do(ctx, kind, method, params, body, out)
	if !isExpiredToken(err) {
		return err
	}
	c.log.Debug("access token expired; refreshing session", logx.String("method", method))
	if rerr := c.RefreshSession(ctx); rerr != nil {
		return fmt.Errorf("bsky: session refresh after expiry: %w", rerr)
	}
	return c.do(ctx, kind, method, params, body, out)
}

func encodeParams(p map[string]any) string {
	vals := url.Values{}
	for k, v := range p {
		switch t := v.(type) {
		case []string:
			for _, s := range t {
				vals.Add(k, s)
			}
		default:
			vals.Add(k, fmt.Sprint(v))
		}
	}
	return vals.Encode()
}

// ---- Errors ----

// Error is a failed XRPC call: HTTP status, the decoded {error,message} body
// when present, and any ratelimit-* response headers.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Ratelimit  *RatelimitInfo
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("xrpc error %d", e.StatusCode)
	}
	return fmt.Sprintf("xrpc error %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsThrottled reports a provider-side throttling response.
func (e *Error) IsThrottled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// RatelimitInfo mirrors the provider's ratelimit response headers. These are
// the authoritative counters; the local governor budget is an estimate.
type RatelimitInfo struct {
	Limit     int
	Remaining int
	Policy    string
	Reset     time.Time
}

func errorFromResponse(resp *http.Response) error {
	e := &Error{StatusCode: resp.StatusCode}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		e.Code = body.Error
		e.Message = body.Message
	}

	if resp.Header.Get("ratelimit-limit") != "" {
		e.Ratelimit = &RatelimitInfo{Policy: resp.Header.Get("ratelimit-policy")}
		if n, err := strconv.ParseInt(resp.Header.Get("ratelimit-limit"), 10, 64); err == nil {
			e.Ratelimit.Limit = int(n)
		}
		if n, err := strconv.ParseInt(resp.Header.Get("ratelimit-remaining"), 10, 64); err == nil {
			e.Ratelimit.Remaining = int(n)
		}
		if n, err := strconv.ParseInt(resp.Header.Get("ratelimit-reset"), 10, 64); err == nil {
			e.Ratelimit.Reset = time.Unix(n, 0)
		}
	}
	return e
}

// IsThrottled reports whether err (anywhere in its chain) is a 429 response.
func IsThrottled(err error) bool {
	var xe *Error
	return errors.As(err, &xe) && xe.IsThrottled()
}

func isExpiredToken(err error) bool {
	var xe *Error
	return errors.As(err, &xe) && xe.Code == "ExpiredToken"
}
