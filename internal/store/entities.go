package store

import (
	"context"
	"encoding/json"
	"fmt"

	"odin-sync-server/internal/wire"
)

// EntityStores is the "kind -> handlers" adapter spec.md §9's Design
// Notes prefer over seven hand-rolled stores: every kind maps onto the
// same save/deltas_since capability surface over the generic Row Store,
// with Location layering the many-to-many junction rewrite on top
// (spec.md §4.2).
type EntityStores struct {
	row *RowStore
}

func NewEntityStores(row *RowStore) *EntityStores {
	return &EntityStores{row: row}
}

// Save decodes a wire record for the given kind and writes it through
// insert_or_update (spec.md §4.1). For KindLocation, it additionally
// rewrites the location_sawmill_junction sideband (§3.2, §4.2, I5) and
// strips sawmillIds/oversizeSawmillIds before the location row itself
// is written (they are not location table columns).
func (e *EntityStores) Save(ctx context.Context, kind wire.Kind, raw json.RawMessage) (WriteOutcome, error) {
	table := kind.TableName()
	rec, err := e.row.DecodeRecord(ctx, table, raw)
	if err != nil {
		return Skipped, err
	}

	if kind == wire.KindLocation {
		return e.saveLocation(ctx, rec, raw)
	}

	return e.row.InsertOrUpdate(ctx, table, rec)
}

type locationSawmillSets struct {
	SawmillIds         []string `json:"sawmillIds"`
	OversizeSawmillIds []string `json:"oversizeSawmillIds"`
}

func (e *EntityStores) saveLocation(ctx context.Context, rec Record, raw json.RawMessage) (WriteOutcome, error) {
	var sets locationSawmillSets
	// Absent arrays are fine: a partial update that never supplies the
	// sets still rewrites them to empty, matching I5's "exactly the
	// sets included in the most recent successful save."
	_ = json.Unmarshal(raw, &sets)

	outcome, err := e.row.InsertOrUpdate(ctx, "locations", rec)
	if err != nil {
		return Skipped, err
	}
	if outcome == Skipped {
		return Skipped, nil
	}

	id, _ := rec["id"].(string)
	if _, err := e.row.DeleteByColumn(ctx, "location_sawmill_junction", "locationId", id); err != nil {
		return outcome, fmt.Errorf("rewrite junction for location %s: %w", id, err)
	}
	for _, sawmillID := range sets.SawmillIds {
		if err := e.row.InsertJunctionRow(ctx, "location_sawmill_junction", map[string]any{
			"locationId": id, "sawmillId": sawmillID, "isOversize": int64(0),
		}); err != nil {
			return outcome, fmt.Errorf("insert junction row for location %s: %w", id, err)
		}
	}
	for _, sawmillID := range sets.OversizeSawmillIds {
		if err := e.row.InsertJunctionRow(ctx, "location_sawmill_junction", map[string]any{
			"locationId": id, "sawmillId": sawmillID, "isOversize": int64(1),
		}); err != nil {
			return outcome, fmt.Errorf("insert junction row (oversize) for location %s: %w", id, err)
		}
	}

	return outcome, nil
}

// MarkDeleted tombstones a row for the given kind (spec.md §4.1 I4).
func (e *EntityStores) MarkDeleted(ctx context.Context, kind wire.Kind, id string) (bool, error) {
	return e.row.MarkDeleted(ctx, kind.TableName(), id)
}

// DeltasSince returns one page of delta records for a kind, with
// Location rows carrying their reattached sawmillIds/oversizeSawmillIds
// (spec.md §4.2).
func (e *EntityStores) DeltasSince(ctx context.Context, kind wire.Kind, watermark int64, pageSize int) (DeltaPage, error) {
	page, err := e.row.Deltas(ctx, kind.TableName(), watermark, pageSize)
	if err != nil {
		return DeltaPage{}, err
	}
	if kind == wire.KindLocation {
		for i := range page.Records {
			if err := e.attachJunction(ctx, page.Records[i]); err != nil {
				return DeltaPage{}, err
			}
		}
	}
	return page, nil
}

// GetLiveByID returns a live row for the given kind, with Location's
// junction sets reattached.
func (e *EntityStores) GetLiveByID(ctx context.Context, kind wire.Kind, id string) (Record, bool, error) {
	rec, found, err := e.row.GetLiveByID(ctx, kind.TableName(), id)
	if err != nil || !found {
		return nil, found, err
	}
	if kind == wire.KindLocation {
		if err := e.attachJunction(ctx, rec); err != nil {
			return nil, false, err
		}
	}
	return rec, true, nil
}

func (e *EntityStores) attachJunction(ctx context.Context, rec Record) error {
	id, _ := rec["id"].(string)
	normal, err := e.row.QueryJunctionSawmills(ctx, id, 0)
	if err != nil {
		return err
	}
	oversize, err := e.row.QueryJunctionSawmills(ctx, id, 1)
	if err != nil {
		return err
	}
	rec["sawmillIds"] = normal
	rec["oversizeSawmillIds"] = oversize
	return nil
}
