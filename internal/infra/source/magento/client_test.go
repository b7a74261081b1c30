package magento

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/harborline/catalog-sync/internal/config"
	"github.com/harborline/catalog-sync/internal/domain/catalog"
)

type fixtureServer struct {
	*httptest.Server

	mu            sync.Mutex
	productPages  []string
	categoryCalls int
	lastProductQ  map[string]string
	lastAuth      string
	lastSecret    string
}

func newFixtureServer(t *testing.T, productPages []string) *fixtureServer {
	t.Helper()
	f := &fixtureServer{productPages: productPages}

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/default/V1/products", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		f.lastSecret = r.Header.Get("X-Backend-Secret")
		f.lastProductQ = map[string]string{}
		for key := range r.URL.Query() {
			f.lastProductQ[key] = r.URL.Query().Get(key)
		}
		f.mu.Unlock()

		page := r.URL.Query().Get("searchCriteria[currentPage]")
		idx := 0
		fmt.Sscanf(page, "%d", &idx)
		if idx < 1 || idx > len(f.productPages) {
			fmt.Fprint(w, `{"items":[],"total_count":0}`)
			return
		}
		fmt.Fprint(w, f.productPages[idx-1])
	})
	mux.HandleFunc("/rest/default/V1/categories/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.categoryCalls++
		f.mu.Unlock()
		fmt.Fprint(w, `{"items":[
			{"id":2,"name":"Root","parent_id":1,"path":"1/2"},
			{"id":42,"name":"Spring Line","parent_id":2,"path":"1/2/42"}
		],"total_count":2}`)
	})
	mux.HandleFunc("/rest/default/V1/products/base-prices", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "base", r.URL.Query().Get("websiteCode"))
		fmt.Fprint(w, `{"items":[{"sku":"CHAIR-RED","price":129.5,"currency":"EUR"}],"total_count":1}`)
	})
	mux.HandleFunc("/rest/default/V1/products/attributes/manufacturer", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"attribute_code":"manufacturer","default_frontend_label":"Manufacturer",
			"options":[{"label":"Harborline","value":"77"},{"label":" ","value":""}]}`)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestClient(srv *fixtureServer, pageSize int) *Client {
	return NewClient(
		srv.Client(),
		config.SourceConfig{
			BaseURL:            srv.URL,
			AuthHeader:         "Bearer",
			AuthToken:          "token-123",
			SecretHeader:       "X-Backend-Secret",
			SecretValue:        "hunter2",
			RateLimitPerMinute: 60000,
			PageSize:           pageSize,
		},
		config.SyncConfig{
			BrandAttributeCode: "manufacturer",
			StoreCode:          "default",
			WebsiteCode:        "base",
			CallTimeout:        5 * time.Second,
		},
		noop.NewTracerProvider().Tracer("test"),
	)
}

const productPageOne = `{"items":[
	{"id":2001,"sku":"CHAIR-RED","name":"Red Chair","status":1,"updated_at":"2024-03-10 09:30:00",
	 "custom_attributes":[
		{"attribute_code":"description","value":"A red chair."},
		{"attribute_code":"discontinued","value":0},
		{"attribute_code":"category_ids","value":["42","2"]},
		{"attribute_code":"manufacturer","value":"77"}
	 ],
	 "media_gallery_entries":[{"file":"/r/e/red-chair.jpg","types":["image"]}]}
],"total_count":2}`

const productPageTwo = `{"items":[
	{"id":2002,"sku":"BENCH-OLD","name":"Old Bench","status":1,"updated_at":"2024-03-09 18:00:00",
	 "custom_attributes":[{"attribute_code":"discontinued","value":"1"}]}
],"total_count":2}`

func TestFetchCatalogJoinsAllCollections(t *testing.T) {
	srv := newFixtureServer(t, []string{productPageOne, productPageTwo})
	client := newTestClient(srv, 1)

	snapshot, err := client.FetchCatalog(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, snapshot.Products, 2)
	chair := snapshot.Products[0]
	assert.Equal(t, "2001", chair.ID)
	assert.Equal(t, "CHAIR-RED", chair.SKU)
	assert.True(t, chair.Enabled)
	assert.Equal(t, time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC), chair.UpdatedAt)
	assert.Equal(t, []int{42, 2}, chair.CategoryIDs)
	assert.Equal(t, "A red chair.", chair.CustomAttributes["description"])
	// Numeric attribute values are flattened to strings.
	assert.Equal(t, "0", chair.CustomAttributes["discontinued"])
	// category_ids is structural, not a feature.
	assert.NotContains(t, chair.CustomAttributes, "category_ids")
	require.Len(t, chair.Media, 1)
	assert.Equal(t, "/r/e/red-chair.jpg", chair.Media[0].File)

	require.Len(t, snapshot.Categories, 2)
	assert.Equal(t, catalog.SourceCategory{ID: 42, Name: "Spring Line", ParentID: 2, Path: "1/2/42"}, snapshot.Categories[1])

	require.Len(t, snapshot.Prices, 1)
	assert.Equal(t, catalog.SourcePrice{SKU: "CHAIR-RED", Price: 129.5, Currency: "EUR"}, snapshot.Prices[0])

	require.Len(t, snapshot.Attributes, 1)
	assert.Equal(t, "manufacturer", snapshot.Attributes[0].Code)
	assert.Equal(t, map[string]string{"77": "Harborline"}, snapshot.Attributes[0].Options)
}

func TestFetchCatalogSendsAuthHeaders(t *testing.T) {
	srv := newFixtureServer(t, []string{productPageOne, productPageTwo})
	client := newTestClient(srv, 100)

	_, err := client.FetchCatalog(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Bearer token-123", srv.lastAuth)
	assert.Equal(t, "hunter2", srv.lastSecret)
}

func TestFetchCatalogFullOmitsCutoffFilter(t *testing.T) {
	srv := newFixtureServer(t, []string{productPageOne, productPageTwo})
	client := newTestClient(srv, 100)

	_, err := client.FetchCatalog(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "status", srv.lastProductQ["searchCriteria[filter_groups][1][filters][0][field]"])
	assert.Equal(t, "1", srv.lastProductQ["searchCriteria[filter_groups][1][filters][0][value]"])
	assert.NotContains(t, srv.lastProductQ, "searchCriteria[filter_groups][0][filters][0][field]")
}

func TestFetchCatalogIncrementalCutoffFilter(t *testing.T) {
	srv := newFixtureServer(t, []string{productPageOne, productPageTwo})
	client := newTestClient(srv, 100)

	cutoff := time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC)
	_, err := client.FetchCatalog(context.Background(), &cutoff)
	require.NoError(t, err)

	assert.Equal(t, "updated_at", srv.lastProductQ["searchCriteria[filter_groups][0][filters][0][field]"])
	assert.Equal(t, "2024-03-10 07:00:00", srv.lastProductQ["searchCriteria[filter_groups][0][filters][0][value]"])
	assert.Equal(t, "gteq", srv.lastProductQ["searchCriteria[filter_groups][0][filters][0][condition_type]"])
}

func TestFetchCatalogPaginates(t *testing.T) {
	srv := newFixtureServer(t, []string{productPageOne, productPageTwo})
	client := newTestClient(srv, 1)

	snapshot, err := client.FetchCatalog(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, snapshot.Products, 2)
	assert.Equal(t, "CHAIR-RED", snapshot.Products[0].SKU)
	assert.Equal(t, "BENCH-OLD", snapshot.Products[1].SKU)
	// The last page requested was page 2.
	assert.Equal(t, "2", srv.lastProductQ["searchCriteria[currentPage]"])
}

func TestFetchCatalogMissingTotalCountIsMalformed(t *testing.T) {
	srv := newFixtureServer(t, []string{`{"message":"Internal error","items":null}`})
	client := newTestClient(srv, 100)

	_, err := client.FetchCatalog(context.Background(), nil)
	require.ErrorIs(t, err, catalog.ErrUpstreamMalformed)
}

func TestFetchCatalogInvalidTimestampIsMalformed(t *testing.T) {
	srv := newFixtureServer(t, []string{
		`{"items":[{"id":1,"sku":"X","name":"X","status":1,"updated_at":"not-a-time"}],"total_count":1}`,
	})
	client := newTestClient(srv, 100)

	_, err := client.FetchCatalog(context.Background(), nil)
	require.ErrorIs(t, err, catalog.ErrUpstreamMalformed)
}

func TestFetchCatalogServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(&fixtureServer{Server: srv}, 100)
	_, err := client.FetchCatalog(context.Background(), nil)
	require.ErrorIs(t, err, catalog.ErrUpstreamUnavailable)
}

func TestFetchCatalogAuthFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(&fixtureServer{Server: srv}, 100)
	_, err := client.FetchCatalog(context.Background(), nil)
	require.ErrorIs(t, err, catalog.ErrUpstreamUnavailable)
}

func TestFetchCatalogUndecodableBodyIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(&fixtureServer{Server: srv}, 100)
	_, err := client.FetchCatalog(context.Background(), nil)
	require.ErrorIs(t, err, catalog.ErrUpstreamMalformed)
}

func TestFetchCatalogMemoizesCategories(t *testing.T) {
	srv := newFixtureServer(t, []string{productPageOne, productPageTwo})
	client := newTestClient(srv, 100)

	_, err := client.FetchCatalog(context.Background(), nil)
	require.NoError(t, err)
	snapshot, err := client.FetchCatalog(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, srv.categoryCalls)
	assert.Len(t, snapshot.Categories, 2)
}

func TestAttributeValueFlattening(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{name: "string", raw: `"oak"`, want: "oak", ok: true},
		{name: "integer", raw: `1`, want: "1", ok: true},
		{name: "float", raw: `12.5`, want: "12.5", ok: true},
		{name: "array skipped", raw: `["a","b"]`, ok: false},
		{name: "object skipped", raw: `{"k":"v"}`, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := attributeValue(json.RawMessage(tt.raw))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
