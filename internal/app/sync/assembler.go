package sync

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harborline/catalog-sync/internal/config"
	"github.com/harborline/catalog-sync/internal/domain/catalog"
)

// Upstream attribute codes with dedicated fields on the assembled record.
// They are lifted out of the feature map during assembly regardless of the
// configured exclusion set.
const (
	attrDescription  = "description"
	attrURLKey       = "url_key"
	attrDiscontinued = "discontinued"
	attrProductType  = "product_type"
)

// Assembler joins the raw source collections into complete ProductRecords.
// It is a pure transformation: the same snapshot and configuration always
// yield the same output set, independent of input ordering.
type Assembler struct {
	excluded          map[string]struct{}
	collectionsParent string
	brandAttr         string
	mediaBaseURL      string
	storeBaseURL      string
}

// NewAssembler builds an Assembler from the sync configuration.
func NewAssembler(src config.SourceConfig, syncCfg config.SyncConfig) *Assembler {
	excluded := make(map[string]struct{}, len(syncCfg.ExcludedFeatureKeys))
	for _, key := range syncCfg.ExcludedFeatureKeys {
		excluded[key] = struct{}{}
	}
	return &Assembler{
		excluded:          excluded,
		collectionsParent: syncCfg.CollectionsCategory,
		brandAttr:         syncCfg.BrandAttributeCode,
		mediaBaseURL:      strings.TrimRight(src.MediaBaseURL, "/"),
		storeBaseURL:      strings.TrimRight(src.StoreBaseURL, "/"),
	}
}

// Assemble produces the complete record set for a snapshot, sorted by SKU so
// downstream batch partitioning is stable. A product lacking a matching
// price or category entry is still emitted with that field empty; partial
// data is preferable to silent omission.
func (a *Assembler) Assemble(snap *catalog.CatalogSnapshot) []catalog.ProductRecord {
	pricesBySKU := make(map[string]catalog.SourcePrice, len(snap.Prices))
	for _, p := range snap.Prices {
		pricesBySKU[p.SKU] = p
	}

	categoriesByID := make(map[int]catalog.SourceCategory, len(snap.Categories))
	for _, c := range snap.Categories {
		categoriesByID[c.ID] = c
	}

	var brandOptions map[string]string
	for _, attr := range snap.Attributes {
		if attr.Code == a.brandAttr {
			brandOptions = attr.Options
			break
		}
	}

	records := make([]catalog.ProductRecord, 0, len(snap.Products))
	for _, p := range snap.Products {
		records = append(records, a.assembleOne(p, pricesBySKU, categoriesByID, brandOptions))
	}

	sort.Slice(records, func(i, j int) bool { return records[i].SKU < records[j].SKU })
	return records
}

func (a *Assembler) assembleOne(
	p catalog.SourceProduct,
	prices map[string]catalog.SourcePrice,
	categories map[int]catalog.SourceCategory,
	brandOptions map[string]string,
) catalog.ProductRecord {
	record := catalog.ProductRecord{
		ID:        p.ID,
		SKU:       p.SKU,
		Title:     p.Name,
		Status:    productStatus(p),
		UpdatedAt: p.UpdatedAt,
	}

	if price, ok := prices[p.SKU]; ok {
		value := price.Price
		record.Price = &value
		record.Currency = price.Currency
	}

	record.Description = p.CustomAttributes[attrDescription]
	record.ProductType = p.CustomAttributes[attrProductType]

	if urlKey := p.CustomAttributes[attrURLKey]; urlKey != "" {
		record.URL = fmt.Sprintf("%s/%s", a.storeBaseURL, urlKey)
	}
	record.ImageURL = a.imageURL(p.Media)
	record.Vendor = a.resolveBrand(p.CustomAttributes[a.brandAttr], brandOptions)
	record.Categories = a.categoryPath(p.CategoryIDs, categories)
	record.Features = a.featureMap(p.CustomAttributes)

	return record
}

// productStatus maps the discontinued flag to visibility: anything other
// than an absent or zero value hides the product.
func productStatus(p catalog.SourceProduct) catalog.ProductStatus {
	if v, ok := p.CustomAttributes[attrDiscontinued]; ok && v != "" && v != "0" {
		return catalog.ProductStatusHidden
	}
	return catalog.ProductStatusVisible
}

// imageURL picks the first media entry typed "image".
func (a *Assembler) imageURL(media []catalog.MediaEntry) string {
	for _, m := range media {
		for _, typ := range m.Types {
			if typ == "image" {
				return fmt.Sprintf("%s/media/catalog/products/%s", a.mediaBaseURL, strings.TrimLeft(m.File, "/"))
			}
		}
	}
	return ""
}

// resolveBrand maps a select-attribute option ID to its label, falling back
// to the raw value when no option table is available.
func (a *Assembler) resolveBrand(raw string, options map[string]string) string {
	if raw == "" {
		return ""
	}
	if label, ok := options[raw]; ok {
		return label
	}
	return raw
}

// categoryPath resolves category assignments in ascending ID order, tagging
// any category whose ancestry includes the collections parent.
func (a *Assembler) categoryPath(ids []int, categories map[int]catalog.SourceCategory) []catalog.Category {
	if len(ids) == 0 {
		return nil
	}

	sorted := make([]int, len(ids))
	copy(sorted, ids)
	sort.Ints(sorted)

	var path []catalog.Category
	for _, id := range sorted {
		c, ok := categories[id]
		if !ok {
			continue
		}
		path = append(path, catalog.Category{
			ID:         c.ID,
			Name:       c.Name,
			Collection: a.underCollections(c, categories),
		})
	}
	return path
}

// underCollections walks the category's ancestor chain looking for the
// configured collections parent by name. A malformed chain whose parent IDs
// form a loop terminates as not-a-collection instead of walking forever.
func (a *Assembler) underCollections(c catalog.SourceCategory, categories map[int]catalog.SourceCategory) bool {
	visited := map[int]struct{}{c.ID: {}}
	parent, ok := categories[c.ParentID]
	for ok {
		if parent.Name == a.collectionsParent {
			return true
		}
		if _, seen := visited[parent.ID]; seen {
			return false
		}
		visited[parent.ID] = struct{}{}
		parent, ok = categories[parent.ParentID]
	}
	return false
}

// featureMap copies the custom attributes, dropping structural attributes
// and every key in the exclusion set.
func (a *Assembler) featureMap(attrs map[string]string) map[string]string {
	features := make(map[string]string)
	for key, value := range attrs {
		switch key {
		case attrDescription, attrURLKey, attrDiscontinued, attrProductType, a.brandAttr:
			continue
		}
		if _, excluded := a.excluded[key]; excluded {
			continue
		}
		features[key] = value
	}
	if len(features) == 0 {
		return nil
	}
	return features
}
