// Package source fetches posts from the Twitter API v2.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"nostr-mirror/pkg/mirror"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/patrickmn/go-cache"
	"google.golang.org/api/iterator"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://api.twitter.com/2"

// Endpoint names used for rate-limit bookkeeping.
const (
	EndpointUserLookup = "users/by/username"
	EndpointUserTweets = "users/tweets"
)

const (
	permalinkBase    = "https://twitter.com"
	pageSize         = 100
	maxResponseBytes = 10 << 20
	userAgent        = "nostr-mirror/1.0"
)

// ErrAccountNotFound is returned when the handle does not resolve to an account.
var ErrAccountNotFound = errors.New("account not found")

// RateLimitedError indicates the API answered 429 for an endpoint.
type RateLimitedError struct {
	ResetAt  time.Time // Zero when the response carried no reset header
	Endpoint string
}

func (e *RateLimitedError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("rate limited on %s", e.Endpoint)
	}
	return fmt.Sprintf("rate limited on %s until %s", e.Endpoint, e.ResetAt.UTC().Format(time.RFC3339))
}

// IsRateLimited checks if an error is a rate-limit error.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// FetchError is a non-2xx response other than 429.
type FetchError struct {
	Endpoint   string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: HTTP %d", e.Endpoint, e.StatusCode)
}

func isPermanent(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode < 500
	}
	return IsRateLimited(err)
}

// Limiter gates calls per endpoint and records reset hints.
type Limiter interface {
	WaitUntilAllowed(ctx context.Context, endpoint string) error
	RecordReset(ctx context.Context, endpoint string, resetAt int64) error
}

// IdentityStore durably caches handle to account ID mappings.
type IdentityStore interface {
	AccountID(ctx context.Context, handle string) (id string, ok bool, err error)
	SetAccountID(ctx context.Context, handle, id string) error
}

// Options configures a Client.
type Options struct {
	HTTPClient  *http.Client
	BaseURL     string
	BearerToken string
	MaxPages    int           // Pages consumed per FetchSince; defaults to 1
	RetryDelay  time.Duration // Base delay between transport retries; defaults to 1s
}

// Client talks to the source API.
type Client struct {
	client     *http.Client
	limiter    Limiter
	identities IdentityStore
	accounts   *cache.Cache
	logger     *slog.Logger
	baseURL    string
	token      string
	maxPages   int
	retryDelay time.Duration
}

// New creates a new source client.
func New(opts Options, limiter Limiter, identities IdentityStore, logger *slog.Logger) *Client {
	c := &Client{
		client:     opts.HTTPClient,
		limiter:    limiter,
		identities: identities,
		accounts:   cache.New(24*time.Hour, time.Hour),
		logger:     logger,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		token:      opts.BearerToken,
		maxPages:   opts.MaxPages,
		retryDelay: opts.RetryDelay,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.maxPages <= 0 {
		c.maxPages = 1
	}
	if c.retryDelay <= 0 {
		c.retryDelay = time.Second
	}
	return c
}

type userResponse struct {
	Data *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

type tweetsResponse struct {
	Data []struct {
		Attachments *struct {
			MediaKeys []string `json:"media_keys"`
		} `json:"attachments"`
		ID        string `json:"id"`
		Text      string `json:"text"`
		CreatedAt string `json:"created_at"`
	} `json:"data"`
	Includes struct {
		Media []struct {
			MediaKey string `json:"media_key"`
			Type     string `json:"type"`
			URL      string `json:"url"`
		} `json:"media"`
	} `json:"includes"`
	Meta struct {
		NextToken   string `json:"next_token"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

// ResolveAccount maps a handle to its stable account ID, consulting the
// in-memory cache and the durable store before calling the API.
func (c *Client) ResolveAccount(ctx context.Context, handle string) (mirror.Account, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return mirror.Account{}, errors.New("empty handle")
	}
	key := strings.ToLower(handle)

	if v, ok := c.accounts.Get(key); ok {
		id, _ := v.(string)
		return mirror.Account{Handle: handle, ID: id}, nil
	}

	id, ok, err := c.identities.AccountID(ctx, key)
	if err != nil {
		return mirror.Account{}, fmt.Errorf("load cached account: %w", err)
	}
	if ok {
		c.accounts.Set(key, id, cache.DefaultExpiration)
		return mirror.Account{Handle: handle, ID: id}, nil
	}

	var resp userResponse
	lookupURL := c.baseURL + "/users/by/username/" + url.PathEscape(handle)
	if err := c.getJSON(ctx, EndpointUserLookup, lookupURL, &resp); err != nil {
		return mirror.Account{}, err
	}
	if resp.Data == nil || resp.Data.ID == "" {
		return mirror.Account{}, fmt.Errorf("%w: @%s", ErrAccountNotFound, handle)
	}

	if err := c.identities.SetAccountID(ctx, key, resp.Data.ID); err != nil {
		return mirror.Account{}, fmt.Errorf("cache account: %w", err)
	}
	c.accounts.Set(key, resp.Data.ID, cache.DefaultExpiration)

	c.logger.Info("Account resolved", "handle", handle, "account_id", resp.Data.ID)
	return mirror.Account{Handle: handle, ID: resp.Data.ID}, nil
}

// Page is one page of items, newest first as returned by the API.
type Page struct {
	NextToken string
	Items     []mirror.SourceItem
}

// PageIterator lazily walks the pages of an account's timeline.
// A failed Next leaves the position unchanged so it can be called again.
type PageIterator struct {
	since   time.Time
	c       *Client
	account mirror.Account
	token   string
	done    bool
}

// Pages returns an iterator over items created at or after since.
func (c *Client) Pages(account mirror.Account, since time.Time) *PageIterator {
	return &PageIterator{c: c, account: account, since: since}
}

// Next fetches the next page. It returns iterator.Done when no pages remain.
func (it *PageIterator) Next(ctx context.Context) (*Page, error) {
	if it.done {
		return nil, iterator.Done
	}

	q := url.Values{}
	q.Set("tweet.fields", "created_at,attachments")
	q.Set("media.fields", "url,type")
	q.Set("expansions", "attachments.media_keys")
	q.Set("max_results", strconv.Itoa(pageSize))
	q.Set("exclude", "replies,retweets")
	if !it.since.IsZero() {
		// Whole seconds keep the window inclusive of the cursor instant.
		q.Set("start_time", it.since.UTC().Truncate(time.Second).Format(time.RFC3339))
	}
	if it.token != "" {
		q.Set("pagination_token", it.token)
	}
	pageURL := fmt.Sprintf("%s/users/%s/tweets?%s", it.c.baseURL, url.PathEscape(it.account.ID), q.Encode())

	var resp tweetsResponse
	if err := it.c.getJSON(ctx, EndpointUserTweets, pageURL, &resp); err != nil {
		return nil, err
	}

	page := &Page{
		NextToken: resp.Meta.NextToken,
		Items:     it.c.convert(it.account, &resp),
	}
	it.token = resp.Meta.NextToken
	it.done = it.token == ""
	return page, nil
}

// FetchSince returns items created after since, reading at most MaxPages pages.
func (c *Client) FetchSince(ctx context.Context, account mirror.Account, since time.Time) ([]mirror.SourceItem, error) {
	it := c.Pages(account, since)

	var items []mirror.SourceItem
	for range c.maxPages {
		page, err := it.Next(ctx)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}

	if !it.done {
		c.logger.Warn("Page limit reached with more items in window",
			"handle", account.Handle,
			"max_pages", c.maxPages,
			"items", len(items))
	}

	c.logger.Info("Fetched source items",
		"handle", account.Handle,
		"since", since.UTC().Format(time.RFC3339),
		"count", len(items))
	return items, nil
}

func (c *Client) convert(account mirror.Account, resp *tweetsResponse) []mirror.SourceItem {
	photos := make(map[string]string, len(resp.Includes.Media))
	for _, m := range resp.Includes.Media {
		if m.Type == "photo" && m.URL != "" {
			photos[m.MediaKey] = m.URL
		}
	}

	items := make([]mirror.SourceItem, 0, len(resp.Data))
	for _, tw := range resp.Data {
		created, err := time.Parse(time.RFC3339, tw.CreatedAt)
		if err != nil {
			c.logger.Warn("Skipping item with unparseable timestamp", "source_id", tw.ID, "created_at", tw.CreatedAt, "error", err)
			continue
		}

		item := mirror.SourceItem{
			ID:        tw.ID,
			Text:      html.UnescapeString(tw.Text),
			CreatedAt: created,
			Permalink: fmt.Sprintf("%s/%s/status/%s", permalinkBase, account.Handle, tw.ID),
		}
		if tw.Attachments != nil {
			for _, key := range tw.Attachments.MediaKeys {
				if u, ok := photos[key]; ok {
					item.MediaURLs = append(item.MediaURLs, u)
				}
			}
		}
		items = append(items, item)
	}
	return items
}

func (c *Client) getJSON(ctx context.Context, endpoint, rawURL string, out any) error {
	if err := c.limiter.WaitUntilAllowed(ctx, endpoint); err != nil {
		return fmt.Errorf("wait for %s: %w", endpoint, err)
	}

	var body []byte
	var lastErr error
	permanent := false
	err := retry.Do(
		func() error {
			res, err := c.doRequest(ctx, endpoint, rawURL)
			if err != nil {
				lastErr = err
				return err
			}
			if resetAt, ok := parseReset(res.header); ok && windowExhausted(res) {
				if err := c.limiter.RecordReset(ctx, endpoint, resetAt); err != nil {
					lastErr, permanent = err, true
					return retry.Unrecoverable(err)
				}
			}
			if err := checkStatus(endpoint, res); err != nil {
				lastErr = err
				if isPermanent(err) {
					permanent = true
					c.logger.Warn("Source request rejected", "endpoint", endpoint, "error", err)
					return retry.Unrecoverable(err)
				}
				return err
			}
			body = res.body
			return nil
		},
		retry.Attempts(3),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying source request after error", "attempt", n, "endpoint", endpoint, "error", err)
		}),
	)
	if err != nil {
		switch {
		case lastErr == nil:
			return fmt.Errorf("fetch %s: %w", endpoint, err)
		case permanent:
			return lastErr
		default:
			return fmt.Errorf("fetch %s after retries: %w", endpoint, lastErr)
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

type response struct {
	header     http.Header
	body       []byte
	statusCode int
}

func (c *Client) doRequest(ctx context.Context, endpoint, rawURL string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("HTTP request failed", "endpoint", endpoint, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("HTTP request completed",
		"endpoint", endpoint,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return &response{header: resp.Header, body: b, statusCode: resp.StatusCode}, nil
}

func checkStatus(endpoint string, res *response) error {
	switch {
	case res.statusCode == http.StatusTooManyRequests:
		rl := &RateLimitedError{Endpoint: endpoint}
		if resetAt, ok := parseReset(res.header); ok {
			rl.ResetAt = time.Unix(resetAt, 0)
		}
		return rl
	case res.statusCode < 200 || res.statusCode >= 300:
		return &FetchError{Endpoint: endpoint, StatusCode: res.statusCode}
	}
	return nil
}

// windowExhausted reports whether no requests remain before the reset.
func windowExhausted(res *response) bool {
	return res.statusCode == http.StatusTooManyRequests || res.header.Get("x-rate-limit-remaining") == "0"
}

func parseReset(h http.Header) (int64, bool) {
	v := h.Get("x-rate-limit-reset")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
