// Package feed implements the FeedIngestor component specified in section
// 4.3 of the design specification: streaming a CSV object row-by-row,
// normalizing keys, and dispatching fixed-size BatchJobs into the
// JobQueue.
package feed

import (
	"fmt"
	"regexp"
	"strings"
)

// Row is a normalized CSV data row, keyed by header → cell as specified
// in section 3 of the spec ("duck-typed row dictionaries → tagged record
// with a header map", section 9). It is created per CSV line, consumed
// by the Reconciler, and never stored long-term.
type Row map[string]string

// PartNumberColumn is the one required column of section 6 of the spec.
const PartNumberColumn = "part_number"

// RecognizedColumns lists the optional columns section 6 of the spec
// assigns meaning to; any other column is carried in the Row but ignored
// by the Reconciler.
var RecognizedColumns = []string{
	"sku", "product_description", "spq", "manufacturer", "image_url",
	"datasheet_url", "series_url", "series", "quantity", "operating_temp",
	"supply_voltage", "packaging_type", "supplier_device_package",
	"mounting_type", "long_description", "additional_info",
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeHeader implements the header normalization rule of section
// 4.3 of the spec: trim, lowercase, replace runs of whitespace with "_".
func NormalizeHeader(name string) string {
	trimmed := strings.TrimSpace(name)
	lowered := strings.ToLower(trimmed)
	return whitespaceRun.ReplaceAllString(lowered, "_")
}

// NormalizeHeaders normalizes every column name in headers, in order.
func NormalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = NormalizeHeader(h)
	}
	return out
}

// BuildRow zips a normalized header list with a CSV record into a Row. A
// record shorter than the header (ragged CSV) leaves the trailing
// columns unset; a record longer than the header is truncated, matching
// encoding/csv's own leniency when FieldsPerRecord is disabled.
func BuildRow(header []string, record []string) Row {
	row := make(Row, len(header))
	for i, col := range header {
		if i < len(record) {
			row[col] = record[i]
		}
	}
	return row
}

// PartNumber returns the row's part_number cell, and whether it is
// present and non-empty, per the missing-part-number edge case of
// sections 4.3 and 4.4 of the spec.
func (r Row) PartNumber() (string, bool) {
	v, ok := r[PartNumberColumn]
	return v, ok && strings.TrimSpace(v) != ""
}

// BatchJob is the unit of work carried through the JobQueue, covering a
// contiguous row range within one Feed, as defined in section 3 of the
// spec.
type BatchJob struct {
	JobID           string // deterministic: feedKey + "_" + lastRowIndex
	FeedKey         string
	Batch           []Row
	TotalRowsInFeed int
	LastRowIndex    int // index (1-based, inclusive) of the final row in Batch
}

// JobID computes the deterministic job id contract of section 9 of the
// spec: built ONLY from (feedKey, lastRowIndexOfBatch), never from any
// row-level remote id, so re-enqueuing the same row range is a no-op.
func JobID(feedKey string, lastRowIndex int) string {
	return fmt.Sprintf("%s_%d", feedKey, lastRowIndex)
}
