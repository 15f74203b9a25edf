// Package remotecatalog implements the RemoteCatalog capability specified
// in section 4.2 of the design specification: a thin façade over the
// remote commerce-platform HTTP API, with every operation routed through
// a RateGate.
package remotecatalog

import (
	"context"
	"errors"
	"fmt"
)

// MetaEntry is one key/value pair of a product's meta_data, restricted by
// callers to the whitelist of section 6 of the spec.
type MetaEntry struct {
	Key   string
	Value string
}

// UpdatePayload is the per-row update the Reconciler produces and
// BulkUpdate consumes, per section 3 of the spec. PartNumber is carried
// only for log attribution on bulk failure; it is never sent to the
// remote API.
type UpdatePayload struct {
	RemoteID    string
	PartNumber  string
	SKU         string
	Description string
	MetaEntries []MetaEntry
}

// CanonicalProduct is the projection of a remote product used for
// diffing, per section 3 of the spec. MetaEntries holds every meta_data
// entry the remote returned: FetchByID does not filter them, and the
// Reconciler restricts them to the whitelist before comparing.
type CanonicalProduct struct {
	RemoteID    string
	SKU         string
	Description string
	MetaEntries []MetaEntry
}

// ErrNotFound is returned by LookupIDByPartNumber when the remote API
// returns an empty result set, per section 4.2 of the spec.
var ErrNotFound = errors.New("remotecatalog: part number not found")

// ErrFetchFailed is returned by FetchByID when the transport error
// persists after the RateGate's retry policy gives up, per section 4.2
// of the spec.
var ErrFetchFailed = errors.New("remotecatalog: fetch failed")

// BulkFailure identifies one payload that did not survive a failed
// BulkUpdate call, for logging per section 4.2 of the spec.
type BulkFailure struct {
	PartNumber string
	RemoteID   string
}

// BulkUpdateError is returned by BulkUpdate on permanent failure (all
// retry attempts exhausted), carrying the payloads for logging per
// section 4.2 of the spec.
type BulkUpdateError struct {
	Failures []BulkFailure
	Err      error
}

func (e *BulkUpdateError) Error() string {
	return fmt.Sprintf("remotecatalog: bulk update failed for %d item(s): %v", len(e.Failures), e.Err)
}

func (e *BulkUpdateError) Unwrap() error { return e.Err }

// Catalog is the narrow contract the Reconciler and BatchWorker depend
// on, per section 4.2 of the spec.
type Catalog interface {
	LookupIDByPartNumber(ctx context.Context, partNumber string) (string, error)
	FetchByID(ctx context.Context, remoteID string) (CanonicalProduct, error)
	BulkUpdate(ctx context.Context, payloads []UpdatePayload) error
}
