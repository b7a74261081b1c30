package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/catalog-sync/internal/config"
	"github.com/harborline/catalog-sync/internal/domain/catalog"
)

func testAssembler() *Assembler {
	return NewAssembler(
		config.SourceConfig{
			MediaBaseURL: "https://media.example.com/",
			StoreBaseURL: "https://shop.example.com",
		},
		config.SyncConfig{
			ExcludedFeatureKeys: []string{"internal_rank", "erp_code"},
			CollectionsCategory: "Collections",
			BrandAttributeCode:  "manufacturer",
		},
	)
}

func testSnapshot() *catalog.CatalogSnapshot {
	updated := time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)
	return &catalog.CatalogSnapshot{
		Products: []catalog.SourceProduct{
			{
				ID:        "2001",
				SKU:       "CHAIR-RED",
				Name:      "Red Chair",
				UpdatedAt: updated,
				CustomAttributes: map[string]string{
					"description":   "A red chair.",
					"url_key":       "red-chair",
					"manufacturer":  "77",
					"product_type":  "furniture",
					"internal_rank": "3",
					"material":      "oak",
				},
				CategoryIDs: []int{42, 51},
				Media: []catalog.MediaEntry{
					{File: "/r/e/red-chair.jpg", Types: []string{"image", "thumbnail"}},
				},
			},
			{
				ID:        "2002",
				SKU:       "BENCH-OLD",
				Name:      "Old Bench",
				UpdatedAt: updated,
				CustomAttributes: map[string]string{
					"discontinued": "1",
				},
			},
		},
		Categories: []catalog.SourceCategory{
			{ID: 2, Name: "Root", ParentID: 1, Path: "1/2"},
			{ID: 40, Name: "Collections", ParentID: 2, Path: "1/2/40"},
			{ID: 42, Name: "Spring Line", ParentID: 40, Path: "1/2/40/42"},
			{ID: 51, Name: "Seating", ParentID: 2, Path: "1/2/51"},
		},
		Prices: []catalog.SourcePrice{
			{SKU: "CHAIR-RED", Price: 129.5, Currency: "EUR"},
		},
		Attributes: []catalog.SourceAttribute{
			{Code: "manufacturer", Label: "Manufacturer", Options: map[string]string{"77": "Harborline"}},
		},
	}
}

func TestAssembleJoinsAllCollections(t *testing.T) {
	records := testAssembler().Assemble(testSnapshot())
	require.Len(t, records, 2)

	// Output is SKU-sorted, so BENCH-OLD comes first.
	chair := records[1]
	assert.Equal(t, "CHAIR-RED", chair.SKU)
	assert.Equal(t, "Red Chair", chair.Title)
	assert.Equal(t, "A red chair.", chair.Description)
	assert.Equal(t, catalog.ProductStatusVisible, chair.Status)
	require.NotNil(t, chair.Price)
	assert.Equal(t, 129.5, *chair.Price)
	assert.Equal(t, "EUR", chair.Currency)
	assert.Equal(t, "Harborline", chair.Vendor)
	assert.Equal(t, "furniture", chair.ProductType)
	assert.Equal(t, "https://shop.example.com/red-chair", chair.URL)
	assert.Equal(t, "https://media.example.com/media/catalog/products/r/e/red-chair.jpg", chair.ImageURL)
}

func TestAssembleCategoryCollectionTagging(t *testing.T) {
	records := testAssembler().Assemble(testSnapshot())
	chair := records[1]

	require.Len(t, chair.Categories, 2)
	assert.Equal(t, catalog.Category{ID: 42, Name: "Spring Line", Collection: true}, chair.Categories[0])
	assert.Equal(t, catalog.Category{ID: 51, Name: "Seating", Collection: false}, chair.Categories[1])
}

func TestAssembleCategoryParentCycleTerminates(t *testing.T) {
	snap := testSnapshot()
	// Malformed upstream data: 61 and 62 are each other's parent.
	snap.Categories = append(snap.Categories,
		catalog.SourceCategory{ID: 61, Name: "Loop A", ParentID: 62, Path: "1/62/61"},
		catalog.SourceCategory{ID: 62, Name: "Loop B", ParentID: 61, Path: "1/61/62"},
	)
	snap.Products[0].CategoryIDs = []int{61}

	records := testAssembler().Assemble(snap)
	require.Len(t, records, 2)

	chair := records[1]
	require.Len(t, chair.Categories, 1)
	assert.Equal(t, catalog.Category{ID: 61, Name: "Loop A", Collection: false}, chair.Categories[0])
}

func TestAssembleFeatureExclusions(t *testing.T) {
	records := testAssembler().Assemble(testSnapshot())
	chair := records[1]

	// Structural attributes and excluded keys never surface as features.
	assert.Equal(t, map[string]string{"material": "oak"}, chair.Features)
}

func TestAssembleDiscontinuedHidesProduct(t *testing.T) {
	records := testAssembler().Assemble(testSnapshot())
	bench := records[0]

	assert.Equal(t, "BENCH-OLD", bench.SKU)
	assert.Equal(t, catalog.ProductStatusHidden, bench.Status)
}

func TestAssembleMissingJoinsLeaveFieldsEmpty(t *testing.T) {
	records := testAssembler().Assemble(testSnapshot())
	bench := records[0]

	assert.Nil(t, bench.Price)
	assert.Empty(t, bench.Currency)
	assert.Empty(t, bench.Vendor)
	assert.Empty(t, bench.ImageURL)
	assert.Nil(t, bench.Categories)
	assert.Nil(t, bench.Features)
}

func TestAssembleUnknownBrandOptionFallsBackToRaw(t *testing.T) {
	snap := testSnapshot()
	snap.Products[0].CustomAttributes["manufacturer"] = "999"

	records := testAssembler().Assemble(snap)
	assert.Equal(t, "999", records[1].Vendor)
}

func TestAssembleDeterministicAcrossInputOrder(t *testing.T) {
	forward := testAssembler().Assemble(testSnapshot())

	shuffled := testSnapshot()
	shuffled.Products[0], shuffled.Products[1] = shuffled.Products[1], shuffled.Products[0]
	shuffled.Categories[0], shuffled.Categories[3] = shuffled.Categories[3], shuffled.Categories[0]
	reversed := testAssembler().Assemble(shuffled)

	assert.Equal(t, forward, reversed)
}
