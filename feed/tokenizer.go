package feed

import (
	"encoding/csv"
	"io"
)

// RecordReader is the narrow contract FeedIngestor consumes from a CSV
// tokenizer: successive raw records, io.EOF when exhausted. encoding/csv's
// *csv.Reader already satisfies this shape.
type RecordReader interface {
	Read() (record []string, err error)
}

// Tokenizer is the CSV tokenizer capability the spec lists as an
// out-of-scope external collaborator (section 1). FeedIngestor depends
// only on this interface so a different tokenizer can be substituted
// without touching the ingest algorithm.
type Tokenizer interface {
	Open(r io.Reader) RecordReader
}

// StdCSVTokenizer is the default Tokenizer, backed by the standard
// library's encoding/csv. It is kept deliberately thin: CSV quoting and
// embedded-newline handling are exactly what encoding/csv already gets
// right, which is why FeedIngestor reads raw bytes through this
// tokenizer rather than reusing a line-oriented object-store stream.
type StdCSVTokenizer struct{}

// Open returns a RecordReader over r. FieldsPerRecord is set to -1, which
// turns off the per-record field count check, so that a ragged trailing
// row (missing the final column) is tolerated by BuildRow rather than
// erroring the whole ingest.
func (StdCSVTokenizer) Open(r io.Reader) RecordReader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}
