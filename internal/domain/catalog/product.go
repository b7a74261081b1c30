package catalog

import "time"

// ProductStatus indicates whether a product should be shown by the messaging
// platform. Products flagged discontinued upstream map to hidden.
type ProductStatus string

const (
	ProductStatusVisible ProductStatus = "visible"
	ProductStatusHidden  ProductStatus = "hidden"
)

// Category is one element of a product's category path. Collection marks
// categories rooted under the configured collections parent, which the
// target system groups differently from ordinary categories.
type Category struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Collection bool   `json:"collection"`
}

// ProductRecord is a fully assembled catalog entry ready for delivery to the
// target system. Records are immutable once assembled for a given run; a
// later run produces new instances. Feature keys in the configured exclusion
// set are stripped before a record leaves the assembler.
//
// Price is a pointer because a product lacking a matching price entry is
// still emitted with the field empty rather than dropped.
type ProductRecord struct {
	ID          string            `json:"id"`
	SKU         string            `json:"sku"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      ProductStatus     `json:"status"`
	Price       *float64          `json:"price"`
	Currency    string            `json:"default_currency,omitempty"`
	Vendor      string            `json:"vendor,omitempty"`
	ProductType string            `json:"product_type,omitempty"`
	URL         string            `json:"url,omitempty"`
	ImageURL    string            `json:"image_url,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Categories  []Category        `json:"categories,omitempty"`
	Features    map[string]string `json:"features,omitempty"`
}

// RecordRejection describes a record the target system refused on data
// grounds. Rejections are never retried; they are surfaced for operator
// visibility only.
type RecordRejection struct {
	SKU    string `json:"sku"`
	Reason string `json:"reason"`
}
