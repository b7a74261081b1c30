package magento

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/harborline/catalog-sync/internal/config"
	"github.com/harborline/catalog-sync/internal/domain/catalog"
	"github.com/harborline/catalog-sync/pkg/common"
)

// cutoffFormat is the timestamp layout the commerce API expects in
// searchCriteria filters.
const cutoffFormat = "2006-01-02 15:04:05"

// Attribute codes the client lifts out of custom_attributes into structured
// fields instead of passing through to the assembler.
const attrCategoryIDs = "category_ids"

// Client fetches the raw catalog collections from the commerce backend's
// REST API. It does not retry: transient failures surface as
// catalog.ErrUpstreamUnavailable and the orchestrator owns the retry
// decision.
type Client struct {
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	tracer      trace.Tracer

	baseURL      string
	authHeader   string
	authToken    string
	secretHeader string
	secretValue  string
	brandAttr    string
	websiteCode  string
	pageSize     int
	callTimeout  time.Duration

	// Category rows change rarely relative to products, so they are memoized
	// for the client's lifetime.
	mu         sync.Mutex
	categories []catalog.SourceCategory
}

var _ catalog.SourceClient = (*Client)(nil)

// NewClient creates a source client against the configured commerce API.
func NewClient(httpClient *http.Client, cfg config.SourceConfig, syncCfg config.SyncConfig, tracer trace.Tracer) *Client {
	return &Client{
		httpClient:   httpClient,
		rateLimiter:  common.NewRateLimiter(cfg.RateLimitPerMinute),
		tracer:       tracer,
		baseURL:      fmt.Sprintf("%s/rest/%s/V1", strings.TrimRight(cfg.BaseURL, "/"), syncCfg.StoreCode),
		authHeader:   cfg.AuthHeader,
		authToken:    cfg.AuthToken,
		secretHeader: cfg.SecretHeader,
		secretValue:  cfg.SecretValue,
		brandAttr:    syncCfg.BrandAttributeCode,
		websiteCode:  syncCfg.WebsiteCode,
		pageSize:     cfg.PageSize,
		callTimeout:  syncCfg.CallTimeout,
	}
}

// FetchCatalog pulls the product, category, price, and attribute collections
// concurrently. A nil cutoff fetches the entire catalog; otherwise products
// are filtered to those updated at or after the cutoff.
func (c *Client) FetchCatalog(ctx context.Context, cutoff *time.Time) (*catalog.CatalogSnapshot, error) {
	ctx, span := c.tracer.Start(ctx, "magento.fetch_catalog",
		trace.WithAttributes(attribute.Bool("full", cutoff == nil)))
	defer span.End()

	snapshot := new(catalog.CatalogSnapshot)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		products, err := c.fetchProducts(gctx, cutoff)
		if err != nil {
			return fmt.Errorf("fetching products: %w", err)
		}
		snapshot.Products = products
		return nil
	})
	g.Go(func() error {
		categories, err := c.fetchCategories(gctx)
		if err != nil {
			return fmt.Errorf("fetching categories: %w", err)
		}
		snapshot.Categories = categories
		return nil
	})
	g.Go(func() error {
		prices, err := c.fetchPrices(gctx)
		if err != nil {
			return fmt.Errorf("fetching prices: %w", err)
		}
		snapshot.Prices = prices
		return nil
	})
	g.Go(func() error {
		attr, err := c.fetchBrandAttribute(gctx)
		if err != nil {
			return fmt.Errorf("fetching brand attribute: %w", err)
		}
		if attr != nil {
			snapshot.Attributes = []catalog.SourceAttribute{*attr}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("products", len(snapshot.Products)),
		attribute.Int("categories", len(snapshot.Categories)),
		attribute.Int("prices", len(snapshot.Prices)),
	)
	return snapshot, nil
}

// rawProduct mirrors one item of the products collection.
type rawProduct struct {
	ID               int64           `json:"id"`
	SKU              string          `json:"sku"`
	Name             string          `json:"name"`
	Status           int             `json:"status"`
	UpdatedAt        string          `json:"updated_at"`
	CustomAttributes []rawAttribute  `json:"custom_attributes"`
	MediaGallery     []rawMediaEntry `json:"media_gallery_entries"`
}

type rawAttribute struct {
	AttributeCode string          `json:"attribute_code"`
	Value         json.RawMessage `json:"value"`
}

type rawMediaEntry struct {
	File  string   `json:"file"`
	Types []string `json:"types"`
}

type rawProductsPage struct {
	Items []rawProduct `json:"items"`
	// TotalCount is a pointer so a response missing it entirely, which the
	// API uses to signal an error payload, is distinguishable from zero.
	TotalCount *int `json:"total_count"`
}

func (c *Client) fetchProducts(ctx context.Context, cutoff *time.Time) ([]catalog.SourceProduct, error) {
	ctx, span := c.tracer.Start(ctx, "magento.fetch_products")
	defer span.End()

	var products []catalog.SourceProduct
	for page := 1; ; page++ {
		query := url.Values{}
		// Enabled products only.
		query.Set("searchCriteria[filter_groups][1][filters][0][field]", "status")
		query.Set("searchCriteria[filter_groups][1][filters][0][value]", "1")
		query.Set("searchCriteria[filter_groups][1][filters][0][condition_type]", "eq")
		if cutoff != nil {
			query.Set("searchCriteria[filter_groups][0][filters][0][field]", "updated_at")
			query.Set("searchCriteria[filter_groups][0][filters][0][value]", cutoff.UTC().Format(cutoffFormat))
			query.Set("searchCriteria[filter_groups][0][filters][0][condition_type]", "gteq")
		}
		query.Set("searchCriteria[currentPage]", strconv.Itoa(page))
		query.Set("searchCriteria[pageSize]", strconv.Itoa(c.pageSize))

		var result rawProductsPage
		if err := c.get(ctx, "/products", query, &result); err != nil {
			return nil, err
		}
		if result.TotalCount == nil {
			return nil, fmt.Errorf("products response missing total_count: %w", catalog.ErrUpstreamMalformed)
		}

		for _, raw := range result.Items {
			p, err := mapProduct(raw)
			if err != nil {
				return nil, err
			}
			products = append(products, p)
		}

		if len(products) >= *result.TotalCount || len(result.Items) == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("products", len(products)))
	return products, nil
}

func mapProduct(raw rawProduct) (catalog.SourceProduct, error) {
	updatedAt, err := time.Parse(cutoffFormat, raw.UpdatedAt)
	if err != nil {
		return catalog.SourceProduct{}, fmt.Errorf("product %s has invalid updated_at %q: %w",
			raw.SKU, raw.UpdatedAt, catalog.ErrUpstreamMalformed)
	}

	p := catalog.SourceProduct{
		ID:               strconv.FormatInt(raw.ID, 10),
		SKU:              raw.SKU,
		Name:             raw.Name,
		Enabled:          raw.Status == 1,
		UpdatedAt:        updatedAt,
		CustomAttributes: make(map[string]string, len(raw.CustomAttributes)),
	}

	for _, attr := range raw.CustomAttributes {
		if attr.AttributeCode == attrCategoryIDs {
			ids, err := parseCategoryIDs(attr.Value)
			if err != nil {
				return catalog.SourceProduct{}, fmt.Errorf("product %s: %w", raw.SKU, err)
			}
			p.CategoryIDs = ids
			continue
		}
		if value, ok := attributeValue(attr.Value); ok {
			p.CustomAttributes[attr.AttributeCode] = value
		}
	}

	for _, m := range raw.MediaGallery {
		p.Media = append(p.Media, catalog.MediaEntry{File: m.File, Types: m.Types})
	}
	return p, nil
}

// attributeValue flattens a custom attribute value to a string. The API
// encodes scalars as strings or numbers; structured values have dedicated
// handling or are skipped.
func attributeValue(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func parseCategoryIDs(raw json.RawMessage) ([]int, error) {
	var strs []string
	if err := json.Unmarshal(raw, &strs); err != nil {
		return nil, fmt.Errorf("invalid category_ids: %w", catalog.ErrUpstreamMalformed)
	}
	ids := make([]int, 0, len(strs))
	for _, s := range strs {
		id, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid category id %q: %w", s, catalog.ErrUpstreamMalformed)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type rawCategory struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	ParentID int    `json:"parent_id"`
	Path     string `json:"path"`
}

type rawCategoriesPage struct {
	Items      []rawCategory `json:"items"`
	TotalCount *int          `json:"total_count"`
}

func (c *Client) fetchCategories(ctx context.Context) ([]catalog.SourceCategory, error) {
	c.mu.Lock()
	if c.categories != nil {
		cached := c.categories
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "magento.fetch_categories")
	defer span.End()

	var categories []catalog.SourceCategory
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("searchCriteria[currentPage]", strconv.Itoa(page))
		query.Set("searchCriteria[pageSize]", strconv.Itoa(c.pageSize))

		var result rawCategoriesPage
		if err := c.get(ctx, "/categories/list", query, &result); err != nil {
			return nil, err
		}
		if result.TotalCount == nil {
			return nil, fmt.Errorf("categories response missing total_count: %w", catalog.ErrUpstreamMalformed)
		}

		for _, raw := range result.Items {
			categories = append(categories, catalog.SourceCategory{
				ID:       raw.ID,
				Name:     raw.Name,
				ParentID: raw.ParentID,
				Path:     raw.Path,
			})
		}

		if len(categories) >= *result.TotalCount || len(result.Items) == 0 {
			break
		}
	}

	c.mu.Lock()
	c.categories = categories
	c.mu.Unlock()

	span.SetAttributes(attribute.Int("categories", len(categories)))
	return categories, nil
}

type rawPrice struct {
	SKU      string  `json:"sku"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

type rawPricesPage struct {
	Items      []rawPrice `json:"items"`
	TotalCount *int       `json:"total_count"`
}

func (c *Client) fetchPrices(ctx context.Context) ([]catalog.SourcePrice, error) {
	ctx, span := c.tracer.Start(ctx, "magento.fetch_prices")
	defer span.End()

	var prices []catalog.SourcePrice
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("websiteCode", c.websiteCode)
		query.Set("searchCriteria[currentPage]", strconv.Itoa(page))
		query.Set("searchCriteria[pageSize]", strconv.Itoa(c.pageSize))

		var result rawPricesPage
		if err := c.get(ctx, "/products/base-prices", query, &result); err != nil {
			return nil, err
		}
		if result.TotalCount == nil {
			return nil, fmt.Errorf("prices response missing total_count: %w", catalog.ErrUpstreamMalformed)
		}

		for _, raw := range result.Items {
			prices = append(prices, catalog.SourcePrice(raw))
		}

		if len(prices) >= *result.TotalCount || len(result.Items) == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("prices", len(prices)))
	return prices, nil
}

type rawAttributeDefinition struct {
	AttributeCode string `json:"attribute_code"`
	FrontendLabel string `json:"default_frontend_label"`
	Options       []struct {
		Label string `json:"label"`
		Value string `json:"value"`
	} `json:"options"`
}

func (c *Client) fetchBrandAttribute(ctx context.Context) (*catalog.SourceAttribute, error) {
	ctx, span := c.tracer.Start(ctx, "magento.fetch_brand_attribute",
		trace.WithAttributes(attribute.String("attribute_code", c.brandAttr)))
	defer span.End()

	var raw rawAttributeDefinition
	if err := c.get(ctx, "/products/attributes/"+c.brandAttr, nil, &raw); err != nil {
		return nil, err
	}
	if raw.AttributeCode == "" {
		return nil, fmt.Errorf("attribute response missing attribute_code: %w", catalog.ErrUpstreamMalformed)
	}

	attr := &catalog.SourceAttribute{
		Code:    raw.AttributeCode,
		Label:   raw.FrontendLabel,
		Options: make(map[string]string, len(raw.Options)),
	}
	for _, opt := range raw.Options {
		if opt.Value != "" {
			attr.Options[opt.Value] = opt.Label
		}
	}
	return attr, nil
}

// get performs one rate-limited GET against the commerce API, bounded by the
// per-call timeout, and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", c.authHeader+" "+c.authToken)
	req.Header.Set("Accept", "application/json")
	if c.secretHeader != "" {
		req.Header.Set(c.secretHeader, c.secretValue)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w: %v", path, catalog.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= http.StatusInternalServerError ||
			resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%s returned %d: %s: %w", path, resp.StatusCode, data, catalog.ErrUpstreamUnavailable)
		}
		return fmt.Errorf("%s returned %d: %s: %w", path, resp.StatusCode, data, catalog.ErrUpstreamMalformed)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w: %v", path, catalog.ErrUpstreamMalformed, err)
	}
	return nil
}
