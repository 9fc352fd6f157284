// Package nutrition searches USDA FoodData Central and Open Food Facts and normalizes the
// hits into one FoodItem shape.
package nutrition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ravigill3969/fitscan/backend/config"
)

var (
	ErrEmptyQuery  = errors.New("search query is required")
	ErrUnavailable = errors.New("no nutrition source answered")
)

const maxQueryLen = 100

type SourceStatus struct {
	Source Source `json:"source"`
	Count  int    `json:"count"`
	Error  string `json:"error,omitempty"`
}

type SearchResult struct {
	Query   string         `json:"query"`
	Items   []FoodItem     `json:"items"`
	Sources []SourceStatus `json:"sources"`
	Cached  bool           `json:"cached"`
}

type Client struct {
	http     *http.Client
	usdaBase string
	usdaKey  string
	offBase  string
	cache    *redis.Client
	ttl      time.Duration
	logger   *zap.Logger
}

// NewClient builds a search client. cache may be nil to disable caching.
func NewClient(cfg config.NutritionConfig, cache *redis.Client, logger *zap.Logger) *Client {
	return &Client{
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		usdaBase: strings.TrimRight(cfg.USDABaseURL, "/"),
		usdaKey:  cfg.USDAAPIKey,
		offBase:  strings.TrimRight(cfg.OFFBaseURL, "/"),
		cache:    cache,
		ttl:      cfg.CacheTTL,
		logger:   logger,
	}
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

func cacheKey(q string, limit int) string {
	return fmt.Sprintf("nutrition:search:%d:%s", limit, q)
}

// Search queries both sources concurrently. One failing source is reported in Sources and
// does not fail the search; results are cached only when every source answered.
func (c *Client) Search(ctx context.Context, query string, limit int) (*SearchResult, error) {
	q := normalizeQuery(query)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	if len(q) > maxQueryLen {
		q = q[:maxQueryLen]
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	if cached := c.fromCache(ctx, q, limit); cached != nil {
		return cached, nil
	}

	fetchers := []struct {
		source Source
		fetch  func(context.Context, string, int) (Payload, error)
	}{
		{SourceUSDA, c.fetchUSDA},
		{SourceOFF, c.fetchOFF},
	}

	statuses := make([]SourceStatus, len(fetchers))
	results := make([][]FoodItem, len(fetchers))
	var mu sync.Mutex

	var g errgroup.Group
	for i, f := range fetchers {
		g.Go(func() error {
			items, err := c.run(ctx, f.fetch, q, limit)

			mu.Lock()
			defer mu.Unlock()
			statuses[i] = SourceStatus{Source: f.source, Count: len(items)}
			if err != nil {
				c.logger.Warn("nutrition source failed", zap.String("source", string(f.source)), zap.Error(err))
				statuses[i].Error = "unavailable"
				return nil
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, s := range statuses {
		if s.Error != "" {
			failed++
		}
	}
	if failed == len(fetchers) {
		return nil, ErrUnavailable
	}

	res := &SearchResult{Query: q, Items: merge(limit, results...), Sources: statuses}
	if failed == 0 {
		c.toCache(ctx, q, limit, res)
	}
	return res, nil
}

func (c *Client) run(ctx context.Context, fetch func(context.Context, string, int) (Payload, error), q string, limit int) ([]FoodItem, error) {
	payload, err := fetch(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return payload.Items()
}

// merge interleaves sources in order and drops repeated name+brand pairs.
func merge(limit int, lists ...[]FoodItem) []FoodItem {
	seen := make(map[string]bool)
	out := make([]FoodItem, 0, limit)
	for _, list := range lists {
		for _, item := range list {
			key := strings.ToLower(item.Name + "|" + item.Brand)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, item)
			if len(out) == limit {
				return out
			}
		}
	}
	return out
}

func (c *Client) fromCache(ctx context.Context, q string, limit int) *SearchResult {
	if c.cache == nil {
		return nil
	}
	raw, err := c.cache.Get(ctx, cacheKey(q, limit)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("nutrition cache read failed", zap.Error(err))
		}
		return nil
	}
	var res SearchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil
	}
	res.Cached = true
	return &res
}

func (c *Client) toCache(ctx context.Context, q string, limit int, res *SearchResult) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cacheKey(q, limit), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("nutrition cache write failed", zap.Error(err))
	}
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "fitscan/1.0 (nutrition search)")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) fetchUSDA(ctx context.Context, q string, limit int) (Payload, error) {
	params := url.Values{}
	params.Set("query", q)
	params.Set("pageSize", fmt.Sprint(limit))
	params.Set("api_key", c.usdaKey)
	params.Add("dataType", "Foundation")
	params.Add("dataType", "SR Legacy")
	params.Add("dataType", "Branded")

	var resp USDASearchResponse
	if err := c.getJSON(ctx, c.usdaBase+"/foods/search?"+params.Encode(), &resp); err != nil {
		return Payload{}, fmt.Errorf("usda: %w", err)
	}
	return Payload{Source: SourceUSDA, USDA: &resp}, nil
}

func (c *Client) fetchOFF(ctx context.Context, q string, limit int) (Payload, error) {
	params := url.Values{}
	params.Set("search_terms", q)
	params.Set("search_simple", "1")
	params.Set("action", "process")
	params.Set("json", "1")
	params.Set("page_size", fmt.Sprint(limit))
	params.Set("fields", "code,product_name,brands,nutriments")

	var resp OFFSearchResponse
	if err := c.getJSON(ctx, c.offBase+"/cgi/search.pl?"+params.Encode(), &resp); err != nil {
		return Payload{}, fmt.Errorf("openfoodfacts: %w", err)
	}
	return Payload{Source: SourceOFF, OFF: &resp}, nil
}
