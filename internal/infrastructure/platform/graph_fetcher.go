package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/engagement"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
)

const (
	defaultPageLimit = 25
	maxResponseBytes = 4 << 20
)

type GraphConfig struct {
	BaseURL       string
	AccessToken   string
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	MaxPages      int
}

// GraphFetcher polls the Meta Graph API for recent posts and their comments.
// All requests share one rate limiter.
type GraphFetcher struct {
	baseURL  string
	token    string
	maxPages int
	client   *http.Client
	limiter  *rate.Limiter
}

var _ ports.PlatformFetcher = (*GraphFetcher)(nil)

func NewGraphFetcher(cfg GraphConfig) *GraphFetcher {
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 3
	}
	return &GraphFetcher{
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:    strings.TrimSpace(cfg.AccessToken),
		maxPages: maxPages,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (f *GraphFetcher) Fetch(ctx context.Context, account ports.Account) (engagement.Normalized, error) {
	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "platform.graph"),
		slog.String("platform", string(account.Platform)),
		slog.String("account_id", account.ID),
	)

	var (
		edge   string
		fields string
		parse  func(gjson.Result, string, *engagement.Normalized)
	)
	switch account.Platform {
	case engagement.PlatformInstagram:
		edge = "media"
		fields = "id,caption,permalink,timestamp,comments{id,text,username,timestamp,from}"
		parse = parseInstagramMedia
	case engagement.PlatformFacebook:
		edge = "posts"
		fields = "id,message,permalink_url,created_time,comments{id,message,created_time,from}"
		parse = parseFacebookPost
	default:
		return engagement.Normalized{}, errs.Unrecoverable(fmt.Errorf("%w: %s", ports.ErrPollingUnsupported, account.Platform))
	}
	if f.token == "" {
		return engagement.Normalized{}, errs.Unrecoverable(errors.New("platform access token is not configured"))
	}

	q := url.Values{}
	q.Set("fields", fields)
	q.Set("limit", fmt.Sprint(defaultPageLimit))
	q.Set("access_token", f.token)
	next := fmt.Sprintf("%s/%s/%s?%s", f.baseURL, url.PathEscape(account.ExternalAccountID), edge, q.Encode())

	var out engagement.Normalized
	for page := 0; page < f.maxPages && next != ""; page++ {
		doc, err := f.get(ctx, next)
		if err != nil {
			return engagement.Normalized{}, err
		}
		doc.Get("data").ForEach(func(_, item gjson.Result) bool {
			parse(item, account.ExternalAccountID, &out)
			return true
		})
		next = doc.Get("paging.next").String()
	}

	logging.Debug(logCtx, "graph poll finished",
		slog.Int("posts", len(out.Posts)),
		slog.Int("comments", len(out.Interactions)),
	)
	return out, nil
}

func (f *GraphFetcher) get(ctx context.Context, rawURL string) (gjson.Result, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, errs.Wrap(err, "wait for rate limiter")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return gjson.Result{}, errs.Wrap(err, "build graph request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return gjson.Result{}, errs.Wrap(err, "call graph api")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, errs.Wrap(err, "read graph response")
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		err := fmt.Errorf("graph api status %d: %s", resp.StatusCode, msg)
		// Rate limiting and server errors are worth another attempt.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return gjson.Result{}, err
		}
		return gjson.Result{}, errs.Unrecoverable(err)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, errors.New("graph api returned invalid json")
	}
	return gjson.ParseBytes(body), nil
}

func parseInstagramMedia(item gjson.Result, accountExternalID string, out *engagement.Normalized) {
	mediaID := item.Get("id").String()
	if mediaID == "" {
		return
	}
	out.Posts = append(out.Posts, engagement.NormalizedPost{
		AccountExternalID: accountExternalID,
		ExternalID:        mediaID,
		Caption:           item.Get("caption").String(),
		URL:               item.Get("permalink").String(),
		PublishedAt:       parseGraphTime(item.Get("timestamp").String()),
	})

	item.Get("comments.data").ForEach(func(_, c gjson.Result) bool {
		id := c.Get("id").String()
		if id == "" {
			return true
		}
		username := c.Get("username").String()
		if username == "" {
			username = c.Get("from.username").String()
		}
		out.Interactions = append(out.Interactions, engagement.NormalizedInteraction{
			AccountExternalID: accountExternalID,
			ExternalID:        id,
			Type:              engagement.InteractionComment,
			Sender: engagement.Sender{
				ID:       c.Get("from.id").String(),
				Username: username,
			},
			Content:        c.Get("text").String(),
			PostExternalID: mediaID,
			ReceivedAt:     parseGraphTime(c.Get("timestamp").String()),
		})
		return true
	})
}

func parseFacebookPost(item gjson.Result, accountExternalID string, out *engagement.Normalized) {
	postID := item.Get("id").String()
	if postID == "" {
		return
	}
	out.Posts = append(out.Posts, engagement.NormalizedPost{
		AccountExternalID: accountExternalID,
		ExternalID:        postID,
		Caption:           item.Get("message").String(),
		URL:               item.Get("permalink_url").String(),
		PublishedAt:       parseGraphTime(item.Get("created_time").String()),
	})

	item.Get("comments.data").ForEach(func(_, c gjson.Result) bool {
		id := c.Get("id").String()
		if id == "" {
			return true
		}
		out.Interactions = append(out.Interactions, engagement.NormalizedInteraction{
			AccountExternalID: accountExternalID,
			ExternalID:        id,
			Type:              engagement.InteractionComment,
			Sender: engagement.Sender{
				ID:          c.Get("from.id").String(),
				DisplayName: c.Get("from.name").String(),
			},
			Content:        c.Get("message").String(),
			PostExternalID: postID,
			ReceivedAt:     parseGraphTime(c.Get("created_time").String()),
		})
		return true
	})
}

// Graph timestamps look like 2026-10-19T03:00:00+0000.
func parseGraphTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02T15:04:05-0700", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
