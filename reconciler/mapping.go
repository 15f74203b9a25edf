// Package reconciler implements the per-row Reconciler component
// specified in section 4.4 of the design specification: lookup, diff
// against a whitelisted projection, and emission of an update payload
// iff a material difference exists.
package reconciler

import (
	"regexp"
	"strings"

	"github.com/welllife1010/catalog-sync/htmlstrip"
)

// metaField pairs a whitelisted meta_data key with the normalized CSV
// column it is sourced from, per the mapping table of section 6 of the
// spec. The order here is the order payloads are emitted in, kept stable
// so two runs over identical input produce byte-identical payloads.
type metaField struct {
	metaKey string
	column  string
}

var metaFields = []metaField{
	{"spq", "spq"},
	{"manufacturer", "manufacturer"},
	{"image_url", "image_url"},
	{"datasheet_url", "datasheet_url"},
	{"series_url", "series_url"},
	{"series", "series"},
	{"quantity", "quantity"},
	{"operating_temperature", "operating_temp"},
	{"voltage", "supply_voltage"},
	{"package", "packaging_type"},
	{"supplier_device_package", "supplier_device_package"},
	{"mounting_type", "mounting_type"},
	{"short_description", "product_description"},
	{"detail_description", "long_description"},
	{"additional_key_information", "additional_info"},
}

// skuColumn and descriptionColumn are the two top-level payload fields
// of section 6 of the spec; everything else is carried in meta_data.
const (
	skuColumn         = "sku"
	descriptionColumn = "product_description"
)

var (
	acWithCircumflex = "¬Æ" // literal sequence U+00AC U+00C6
	degreeEntity     = "&deg;"
	whitespaceRun    = regexp.MustCompile(`\s+`)
)

// normalize implements the text-normalization rule of section 4.4 of the
// spec: strip HTML, replace the two literal entity sequences, collapse
// whitespace runs, trim. It is idempotent by construction — none of its
// steps can introduce a pattern a later step would still match.
func normalize(s string) string {
	s = htmlstrip.Strip(s)
	s = strings.ReplaceAll(s, acWithCircumflex, "®")
	s = strings.ReplaceAll(s, degreeEntity, "°")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
