package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"comment-dm/internal/cache"
	"comment-dm/internal/domain"
	"comment-dm/internal/metrics"
	"comment-dm/internal/repo"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL       = "https://graph.instagram.com/v21.0"
	defaultFollowerTTL   = 10 * time.Minute
	followerCacheSize    = 1024
	maxFollowerPages     = 50
	commentsPerPost      = 50
	commentFanOut        = 4
	maxResponseBodyBytes = 4 << 20
)

// Config holds Graph API client configuration.
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	RPS              float64
	FollowerCacheTTL time.Duration
	ReadRetries      int
	RetryWaitMin     time.Duration
	RetryWaitMax     time.Duration
}

// Client provides typed access to the Instagram Graph API on behalf of
// connected users.
type Client struct {
	logger    *slog.Logger
	baseURL   string
	reads     *retryablehttp.Client
	sends     *http.Client
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	accounts  AccountSource
	followers *expirable.LRU[string, map[string]struct{}]
	shared    *cache.Redis
	sharedTTL time.Duration
	flights   singleflight.Group
	now       func() time.Time
}

var (
	_ Capability    = (*Client)(nil)
	_ CommentSource = (*Client)(nil)
)

// leveledSlog routes retryablehttp logs through slog, demoting errors to
// warnings since intermediate failures are retried.
type leveledSlog struct {
	inner *slog.Logger
}

func (l leveledSlog) Error(msg string, keysAndValues ...any) { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Warn(msg string, keysAndValues ...any)  { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Info(msg string, keysAndValues ...any)  { l.inner.Debug(msg, keysAndValues...) }
func (l leveledSlog) Debug(msg string, keysAndValues ...any) { l.inner.Debug(msg, keysAndValues...) }

// New creates a Graph API client. shared may be nil, in which case follower
// sets are cached in-process only.
func New(cfg Config, accounts AccountSource, logger *slog.Logger, metrics *metrics.Metrics, shared *cache.Redis) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ttl := cfg.FollowerCacheTTL
	if ttl <= 0 {
		ttl = defaultFollowerTTL
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	log := logger.With("component", "instagram")

	reads := retryablehttp.NewClient()
	reads.HTTPClient.Timeout = timeout
	reads.RetryMax = cfg.ReadRetries
	if cfg.RetryWaitMin > 0 {
		reads.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		reads.RetryWaitMax = cfg.RetryWaitMax
	}
	reads.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: log})
	// The last response is classified here rather than turned into a
	// generic "giving up" error.
	reads.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		logger:    log,
		baseURL:   base,
		reads:     reads,
		sends:     &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, 1),
		metrics:   metrics,
		accounts:  accounts,
		followers: expirable.NewLRU[string, map[string]struct{}](followerCacheSize, nil, ttl),
		shared:    shared,
		sharedTTL: ttl,
		now:       time.Now,
	}
}

// account resolves a usable connection for userID.
func (c *Client) account(ctx context.Context, userID string) (*domain.Account, error) {
	acc, err := c.accounts.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNotConnected, userID)
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !acc.Connected(c.now()) {
		return nil, fmt.Errorf("%w: user %s status=%s", ErrNotConnected, userID, acc.Status)
	}
	return acc, nil
}

// SendDirectMessage delivers text to recipientID from the user's account.
// It makes exactly one HTTP attempt; retry policy belongs to the caller.
func (c *Client) SendDirectMessage(ctx context.Context, userID, recipientID, text string) error {
	acc, err := c.account(ctx, userID)
	if err != nil {
		return err
	}
	payload := sendMessageRequest{}
	payload.Recipient.ID = recipientID
	payload.Message.Text = text
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrRetryable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/me/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header, acc.AccessToken)

	var resp sendMessageResponse
	if err := c.finish("send_message", c.now(), func() (*http.Response, error) { return c.sends.Do(req) }, &resp); err != nil {
		return err
	}
	c.logger.Debug("direct message sent", "user_id", userID, "recipient_id", recipientID, "message_id", resp.MessageID)
	return nil
}

// IsFollower reports whether authorID follows the user's account.
func (c *Client) IsFollower(ctx context.Context, userID, authorID string) (bool, error) {
	set, err := c.followerSet(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := set[authorID]
	return ok, nil
}

func (c *Client) followerSet(ctx context.Context, userID string) (map[string]struct{}, error) {
	if set, ok := c.followers.Get(userID); ok {
		return set, nil
	}
	v, err, _ := c.flights.Do(userID, func() (any, error) {
		if set, ok := c.followers.Get(userID); ok {
			return set, nil
		}
		ids, err := c.sharedFollowers(ctx, userID)
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		c.followers.Add(userID, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]struct{}), nil
}

func (c *Client) sharedFollowers(ctx context.Context, userID string) ([]string, error) {
	key := "followers:" + userID
	if c.shared != nil {
		var ids []string
		ok, err := c.shared.GetJSON(ctx, key, &ids)
		if err != nil {
			c.logger.Warn("read follower cache failed", "user_id", userID, "error", err)
		} else if ok {
			return ids, nil
		}
	}
	ids, err := c.fetchFollowers(ctx, userID)
	if err != nil {
		return nil, err
	}
	if c.shared != nil {
		if err := c.shared.SetJSON(ctx, key, ids, c.sharedTTL); err != nil {
			c.logger.Warn("write follower cache failed", "user_id", userID, "error", err)
		}
	}
	return ids, nil
}

func (c *Client) fetchFollowers(ctx context.Context, userID string) ([]string, error) {
	acc, err := c.account(ctx, userID)
	if err != nil {
		return nil, err
	}
	var page followersResponse
	if err := c.get(ctx, acc, "followers", "/me", url.Values{"fields": {"followers{id}"}}, &page); err != nil {
		return nil, err
	}
	ids := page.Followers.ids()
	next := page.Followers.Paging.Next
	for i := 1; next != "" && i < maxFollowerPages; i++ {
		var more followerList
		if err := c.getURL(ctx, acc, "followers", next, &more); err != nil {
			return nil, err
		}
		ids = append(ids, more.ids()...)
		next = more.Paging.Next
	}
	return ids, nil
}

// InvalidateFollowers drops the cached follower set of a user.
func (c *Client) InvalidateFollowers(ctx context.Context, userID string) {
	c.followers.Remove(userID)
	if c.shared != nil {
		if err := c.shared.Delete(ctx, "followers:"+userID); err != nil {
			c.logger.Warn("delete follower cache failed", "user_id", userID, "error", err)
		}
	}
}

// RecentComments returns the comments on the user's postLimit most recent
// posts, newest post first. Comments authored by the account itself are
// skipped.
func (c *Client) RecentComments(ctx context.Context, userID string, postLimit int) ([]domain.Comment, error) {
	acc, err := c.account(ctx, userID)
	if err != nil {
		return nil, err
	}
	if postLimit <= 0 {
		postLimit = 10
	}
	var media mediaResponse
	params := url.Values{
		"fields": {"id,caption,permalink,timestamp"},
		"limit":  {strconv.Itoa(postLimit)},
	}
	if err := c.get(ctx, acc, "media", "/me/media", params, &media); err != nil {
		return nil, err
	}
	posts := media.Data
	if len(posts) > postLimit {
		posts = posts[:postLimit]
	}

	perPost := make([][]domain.Comment, len(posts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(commentFanOut)
	for i, post := range posts {
		i, post := i, post
		g.Go(func() error {
			var res commentsResponse
			params := url.Values{
				"fields": {"id,text,username,from,timestamp"},
				"limit":  {strconv.Itoa(commentsPerPost)},
			}
			if err := c.get(gctx, acc, "comments", "/"+url.PathEscape(post.ID)+"/comments", params, &res); err != nil {
				return fmt.Errorf("comments for post %s: %w", post.ID, err)
			}
			ref := post.Permalink
			if ref == "" {
				ref = post.ID
			}
			for _, gc := range res.Data {
				comment := gc.toComment(ref)
				if comment.AuthorID == "" || comment.AuthorID == acc.PlatformAccountID {
					continue
				}
				perPost[i] = append(perPost[i], comment)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var comments []domain.Comment
	for _, cs := range perPost {
		comments = append(comments, cs...)
	}
	return comments, nil
}

func (c *Client) get(ctx context.Context, acc *domain.Account, endpoint, path string, params url.Values, dest any) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	return c.getURL(ctx, acc, endpoint, reqURL, dest)
}

func (c *Client) getURL(ctx context.Context, acc *domain.Account, endpoint, reqURL string, dest any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrRetryable, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	c.authorize(req.Header, acc.AccessToken)
	return c.finish(endpoint, c.now(), func() (*http.Response, error) { return c.reads.Do(req) }, dest)
}

func (c *Client) authorize(h http.Header, token string) {
	h.Set("Accept", "application/json")
	h.Set("User-Agent", "comment-dm/instagram-client")
	h.Set("Authorization", "Bearer "+token)
}

// finish executes the request, records metrics and decodes the body.
func (c *Client) finish(endpoint string, start time.Time, do func() (*http.Response, error), dest any) error {
	res, err := do()
	if err != nil {
		c.observe(endpoint, "error", start)
		return fmt.Errorf("%w: instagram %s request: %v", ErrRetryable, endpoint, err)
	}
	defer res.Body.Close()
	c.observe(endpoint, strconv.Itoa(res.StatusCode), start)

	bodyBytes, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrRetryable, err)
	}
	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, string(bodyBytes))
	}
	if dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) observe(endpoint, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.PlatformRequests.WithLabelValues(endpoint, status).Inc()
	c.metrics.PlatformLatency.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
}
