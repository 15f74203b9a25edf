package reconciler

import (
	"context"
	"errors"

	"github.com/welllife1010/catalog-sync/feed"
	"github.com/welllife1010/catalog-sync/remotecatalog"
)

// Kind is the outcome of reconciling one row, per section 4.4 of the
// spec.
type Kind int

const (
	// Skip is returned when the row is missing part_number.
	Skip Kind = iota
	// FailNotFound is returned when lookupIdByPartNumber found nothing.
	FailNotFound
	// FailFetch is returned when fetchById failed after retries.
	FailFetch
	// NoChange is returned when the row's payload equals the current
	// projection under the diffing rules.
	NoChange
	// Update is returned when a material difference exists; Payload
	// carries the update to send.
	Update
)

// Outcome is the result of reconciling one row.
type Outcome struct {
	Kind       Kind
	PartNumber string
	Payload    remotecatalog.UpdatePayload
}

// Reconciler implements the per-row logic of section 4.4 of the spec.
// It is pure modulo the RateGate side effects inside the Catalog's
// lookups.
type Reconciler struct {
	catalog remotecatalog.Catalog
}

// New creates a Reconciler backed by catalog.
func New(catalog remotecatalog.Catalog) *Reconciler {
	return &Reconciler{catalog: catalog}
}

// Reconcile executes the six-step procedure of section 4.4 of the spec
// for one row. The returned error is non-nil only for infrastructure
// failures (e.g. context cancellation); ordinary domain failures are
// reported through Outcome.Kind, never as an error.
func (r *Reconciler) Reconcile(ctx context.Context, row feed.Row) (Outcome, error) {
	partNumber, ok := row.PartNumber()
	if !ok {
		return Outcome{Kind: Skip}, nil
	}

	remoteID, err := r.catalog.LookupIDByPartNumber(ctx, partNumber)
	if err != nil {
		if errors.Is(err, remotecatalog.ErrNotFound) {
			return Outcome{Kind: FailNotFound, PartNumber: partNumber}, nil
		}
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{Kind: FailNotFound, PartNumber: partNumber}, nil
	}

	current, err := r.catalog.FetchByID(ctx, remoteID)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{Kind: FailFetch, PartNumber: partNumber}, nil
	}

	newPayload := buildPayload(row, remoteID, partNumber)
	currentProjection := projectWhitelist(current)

	if payloadsEqual(currentProjection, newPayload) {
		return Outcome{Kind: NoChange, PartNumber: partNumber}, nil
	}
	return Outcome{Kind: Update, PartNumber: partNumber, Payload: newPayload}, nil
}

// buildPayload constructs the UpdatePayload for row over the fixed
// mapping of section 6 of the spec.
func buildPayload(row feed.Row, remoteID, partNumber string) remotecatalog.UpdatePayload {
	entries := make([]remotecatalog.MetaEntry, len(metaFields))
	for i, f := range metaFields {
		entries[i] = remotecatalog.MetaEntry{Key: f.metaKey, Value: row[f.column]}
	}
	return remotecatalog.UpdatePayload{
		RemoteID:    remoteID,
		PartNumber:  partNumber,
		SKU:         row[skuColumn],
		Description: row[descriptionColumn],
		MetaEntries: entries,
	}
}

// projectWhitelist filters a CanonicalProduct's meta entries to the
// whitelist, per step 5 of section 4.4 of the spec, and packages the
// scalar fields into the same shape as an UpdatePayload so the two sides
// of the diff are structurally identical.
func projectWhitelist(p remotecatalog.CanonicalProduct) remotecatalog.UpdatePayload {
	byKey := make(map[string]string, len(p.MetaEntries))
	for _, e := range p.MetaEntries {
		byKey[e.Key] = e.Value
	}
	entries := make([]remotecatalog.MetaEntry, len(metaFields))
	for i, f := range metaFields {
		entries[i] = remotecatalog.MetaEntry{Key: f.metaKey, Value: byKey[f.metaKey]}
	}
	return remotecatalog.UpdatePayload{
		RemoteID:    p.RemoteID,
		SKU:         p.SKU,
		Description: p.Description,
		MetaEntries: entries,
	}
}

// payloadsEqual implements the diff of section 4.4 of the spec: id and
// part_number are ignored, scalars compared after normalization,
// metaEntries compared by key where only keys present in the new set are
// checked: a new key absent from current counts as a difference, while
// keys present only in current are ignored (non-destructive update).
func payloadsEqual(current, next remotecatalog.UpdatePayload) bool {
	if normalize(current.SKU) != normalize(next.SKU) {
		return false
	}
	if normalize(current.Description) != normalize(next.Description) {
		return false
	}

	currentByKey := make(map[string]string, len(current.MetaEntries))
	for _, e := range current.MetaEntries {
		currentByKey[e.Key] = e.Value
	}
	for _, e := range next.MetaEntries {
		currentValue, ok := currentByKey[e.Key]
		if !ok {
			return false
		}
		if normalize(currentValue) != normalize(e.Value) {
			return false
		}
	}
	return true
}
