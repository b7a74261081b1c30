package catalog

import "time"

// The raw shapes below are what the source client hands to the assembler.
// They mirror the upstream collections one-to-one; all joining and shaping
// happens in the assembler so the client stays a dumb fetch layer.

// MediaEntry is one entry of a product's media gallery.
type MediaEntry struct {
	File  string
	Types []string
}

// SourceProduct is a raw product row from the commerce backend.
type SourceProduct struct {
	ID        string
	SKU       string
	Name      string
	Enabled   bool
	UpdatedAt time.Time

	// CustomAttributes maps attribute_code to its raw value. Brand,
	// description, url key, discontinued flag, and every merchandising
	// feature all arrive through this map.
	CustomAttributes map[string]string

	// CategoryIDs are the category assignments, resolved against the
	// category collection during assembly.
	CategoryIDs []int

	Media []MediaEntry
}

// SourceCategory is a raw category row. Path is the slash-separated chain of
// ancestor IDs from the root, e.g. "1/2/42".
type SourceCategory struct {
	ID       int
	Name     string
	ParentID int
	Path     string
}

// SourcePrice is a raw price row keyed by SKU.
type SourcePrice struct {
	SKU      string
	Price    float64
	Currency string
}

// SourceAttribute describes an upstream attribute definition. Options maps
// option IDs to display labels, used to resolve select-type attributes such
// as brand into human-readable values.
type SourceAttribute struct {
	Code    string
	Label   string
	Options map[string]string
}

// CatalogSnapshot bundles the four raw collections a single fetch produces.
// A snapshot is one-pass input for the assembler; it is not refreshed or
// refetched within a run.
type CatalogSnapshot struct {
	Products   []SourceProduct
	Categories []SourceCategory
	Prices     []SourcePrice
	Attributes []SourceAttribute
}
