// Package store implements the generic Row Store (spec.md §4.1), the
// per-tenant Tenant Registry (§4.3), and the per-kind Entity Store
// adapters (§4.2) over modernc.org/sqlite.
//
// Grounded on marcus-td/internal/sync/events.go's validColumnName
// regex, PRAGMA table_info-driven column discovery, and dynamic
// INSERT/UPDATE construction, and on
// original_source/src/local_storage/core_local_storage.rs's type
// projection over {null, integer, real, text, blob}. The timestamp-
// guarded merge (I3) and arrival-watermark stamping (I2) are
// implemented exactly as spec.md §4.1 states; neither grounding source
// has that logic directly.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"odin-sync-server/internal/apperrors"
)

// storageErr wraps a genuine database failure (as opposed to a caller
// validation error like a missing id) so callers up through the Entity
// Store can dispatch on it with errors.As per the propagation policy.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &apperrors.StorageError{Op: op, Err: err}
}

// Record is a generic column-name to value map. Values are one of nil,
// int64, float64, string, or []byte — the tagged union of spec.md
// §4.1's type projection. encoding/json already base64-encodes []byte,
// so a Record marshals to the wire shape spec.md §6.1 describes without
// extra work; decoding back off the wire requires column-type-aware
// coercion, see DecodeRecord.
type Record map[string]any

// WriteOutcome reports what insert_or_update actually did, needed by
// the Message Service (§4.7) to decide whether a write triggers
// broadcast — only a real state change does.
type WriteOutcome int

const (
	Skipped WriteOutcome = iota
	Inserted
	Updated
)

var columnNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validColumnName(name string) bool {
	return columnNameRe.MatchString(name)
}

type columnInfo struct {
	name     string
	declType string // as reported by PRAGMA table_info, upper-cased
}

// RowStore is the generic per-table operations surface bound to one
// tenant's database connection.
type RowStore struct {
	db *sql.DB

	colsMu  sync.RWMutex
	colsTbl map[string][]columnInfo

	clock *arrivalClock
}

// NewRowStore wraps a tenant's *sql.DB. A single RowStore should be
// shared by all callers against that tenant, since the arrival clock it
// holds is what gives I2 (monotone arrival) its per-tenant guarantee.
func NewRowStore(db *sql.DB) *RowStore {
	return &RowStore{
		db:      db,
		colsTbl: make(map[string][]columnInfo),
		clock:   newArrivalClock(),
	}
}

func (s *RowStore) columns(ctx context.Context, table string) ([]columnInfo, error) {
	if !validColumnName(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	s.colsMu.RLock()
	cols, ok := s.colsTbl[table]
	s.colsMu.RUnlock()
	if ok {
		return cols, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, storageErr(fmt.Sprintf("table_info(%s)", table), err)
	}
	defer rows.Close()

	var result []columnInfo
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, storageErr(fmt.Sprintf("scan table_info(%s)", table), err)
		}
		result = append(result, columnInfo{name: name, declType: strings.ToUpper(ctype)})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(fmt.Sprintf("table_info(%s)", table), err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	s.colsMu.Lock()
	s.colsTbl[table] = result
	s.colsMu.Unlock()
	return result, nil
}

// GetByID returns the row for id, including tombstones. Found is false
// if no such id exists.
func (s *RowStore) GetByID(ctx context.Context, table, id string) (rec Record, found bool, err error) {
	return s.getByID(ctx, table, id, false)
}

// GetLiveByID returns the row for id, excluding tombstones (deleted=1
// rows are reported as not-found).
func (s *RowStore) GetLiveByID(ctx context.Context, table, id string) (rec Record, found bool, err error) {
	return s.getByID(ctx, table, id, true)
}

func (s *RowStore) getByID(ctx context.Context, table, id string, excludeDeleted bool) (Record, bool, error) {
	cols, err := s.columns(ctx, table)
	if err != nil {
		return nil, false, err
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE id = ?", table)
	if excludeDeleted {
		query += " AND deleted = 0"
	}

	row := s.db.QueryRowContext(ctx, query, id)
	rec, err := scanRow(row, cols)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr(fmt.Sprintf("get_by_id(%s, %s)", table, id), err)
	}
	return rec, true, nil
}

// scanRow scans a single *sql.Row into a Record using the column list
// from PRAGMA table_info, in table-declaration order (matches SELECT *).
func scanRow(row *sql.Row, cols []columnInfo) (Record, error) {
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := make(Record, len(cols))
	for i, c := range cols {
		rec[c.name] = normalizeDriverValue(dest[i])
	}
	return rec, nil
}

// normalizeDriverValue coerces a database/sql driver value into the
// Record's tagged union ([]byte for blobs, int64, float64, string, or nil).
func normalizeDriverValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case int64, float64, string, []byte:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// InsertOrUpdate implements the algorithm of spec.md §4.1: no existing
// row -> insert, stamping arrivalAtServer; existing live row with a
// strictly greater incoming lastEdit -> update every provided column,
// restamping arrivalAtServer; existing live row with lastEdit <=
// stored, or an existing tombstone -> skip.
func (s *RowStore) InsertOrUpdate(ctx context.Context, table string, record Record) (WriteOutcome, error) {
	id, ok := record["id"].(string)
	if !ok || id == "" {
		return Skipped, fmt.Errorf("insert_or_update(%s): record missing id", table)
	}
	lastEdit, err := asInt64(record["lastEdit"])
	if err != nil {
		return Skipped, fmt.Errorf("insert_or_update(%s): record missing lastEdit: %w", table, err)
	}

	cols, err := s.columns(ctx, table)
	if err != nil {
		return Skipped, err
	}
	colSet := make(map[string]bool, len(cols))
	for _, c := range cols {
		colSet[c.name] = true
	}

	existing, found, err := s.GetByID(ctx, table, id)
	if err != nil {
		return Skipped, err
	}

	arrival := s.clock.next()

	if !found {
		record["arrivalAtServer"] = arrival
		if _, ok := record["deleted"]; !ok {
			record["deleted"] = int64(0)
		}
		if err := s.insert(ctx, table, record, colSet); err != nil {
			return Skipped, err
		}
		return Inserted, nil
	}

	deleted, _ := asInt64(existing["deleted"])
	if deleted != 0 {
		return Skipped, nil // I4: tombstones are terminal
	}

	storedLastEdit, _ := asInt64(existing["lastEdit"])
	if lastEdit <= storedLastEdit {
		return Skipped, nil // I3: strict < required to overwrite
	}

	record["arrivalAtServer"] = arrival
	if err := s.update(ctx, table, id, record, colSet); err != nil {
		return Skipped, err
	}
	return Updated, nil
}

func (s *RowStore) insert(ctx context.Context, table string, record Record, colSet map[string]bool) error {
	var names []string
	var placeholders []string
	var args []any
	for k, v := range record {
		if !colSet[k] {
			continue
		}
		names = append(names, k)
		placeholders = append(placeholders, "?")
		args = append(args, encodeValue(v))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	return storageErr(fmt.Sprintf("insert(%s)", table), err)
}

func (s *RowStore) update(ctx context.Context, table, id string, record Record, colSet map[string]bool) error {
	var sets []string
	var args []any
	for k, v := range record {
		if !colSet[k] || k == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = ?", k))
		args = append(args, encodeValue(v))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	return storageErr(fmt.Sprintf("update(%s)", table), err)
}

// MarkDeleted sets deleted=1, lastEdit=now, arrivalAtServer=now on the
// matched row (spec.md §4.1). No-op (ok=false) if the id is unknown.
func (s *RowStore) MarkDeleted(ctx context.Context, table, id string) (ok bool, err error) {
	_, found, err := s.GetByID(ctx, table, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	now := s.clock.next()
	query := fmt.Sprintf("UPDATE %s SET deleted = 1, lastEdit = ?, arrivalAtServer = ? WHERE id = ?", table)
	if _, err := s.db.ExecContext(ctx, query, now, now, id); err != nil {
		return false, storageErr(fmt.Sprintf("mark_deleted(%s, %s)", table, id), err)
	}
	return true, nil
}

// DeleteByColumn hard-deletes every row where column = value, used only
// by the Location store's junction rewrite (spec.md §4.2, §3.2).
func (s *RowStore) DeleteByColumn(ctx context.Context, table, column string, value any) (int64, error) {
	if !validColumnName(table) || !validColumnName(column) {
		return 0, fmt.Errorf("invalid identifier: %s.%s", table, column)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, column), encodeValue(value))
	if err != nil {
		return 0, storageErr(fmt.Sprintf("delete_by_column(%s, %s)", table, column), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertJunctionRow inserts one row into a junction table. Used by the
// Location store; kept generic (not location-specific) so any future
// many-to-many sideband can reuse it.
func (s *RowStore) InsertJunctionRow(ctx context.Context, table string, cols map[string]any) error {
	var names []string
	var placeholders []string
	var args []any
	for k, v := range cols {
		if !validColumnName(k) {
			return fmt.Errorf("invalid column name %q", k)
		}
		names = append(names, k)
		placeholders = append(placeholders, "?")
		args = append(args, encodeValue(v))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	return storageErr(fmt.Sprintf("insert_junction_row(%s)", table), err)
}

// QueryJunctionSawmills returns the sawmillIds for a location on the
// given side of the junction (isOversize 0 or 1), used to reattach
// Location's two sideband sets (spec.md §4.2).
func (s *RowStore) QueryJunctionSawmills(ctx context.Context, locationID string, isOversize int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT sawmillId FROM location_sawmill_junction WHERE locationId = ? AND isOversize = ?",
		locationID, isOversize)
	if err != nil {
		return nil, storageErr("query_junction_sawmills", err)
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, storageErr("query_junction_sawmills", err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query_junction_sawmills", err)
	}
	return result, nil
}

// DeltaPage is one page of a deltas() query plus the advanced watermark
// to use for the next page, per spec.md §4.1's pagination-correctness
// rule: advance to max(arrivalAtServer in page) + 1.
type DeltaPage struct {
	Records       []Record
	NextWatermark int64
	HasMore       bool
}

const defaultPageSize = 100

// Deltas returns records with arrivalAtServer > watermark, ordered by
// lastEdit ascending, capped at pageSize (spec.md §4.1).
func (s *RowStore) Deltas(ctx context.Context, table string, watermark int64, pageSize int) (DeltaPage, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	cols, err := s.columns(ctx, table)
	if err != nil {
		return DeltaPage{}, err
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE arrivalAtServer > ? ORDER BY lastEdit ASC LIMIT ?", table)
	rows, err := s.db.QueryContext(ctx, query, watermark, pageSize)
	if err != nil {
		return DeltaPage{}, storageErr(fmt.Sprintf("deltas(%s)", table), err)
	}
	defer rows.Close()

	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	var records []Record
	maxArrival := watermark
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return DeltaPage{}, storageErr(fmt.Sprintf("deltas(%s)", table), err)
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			rec[c.name] = normalizeDriverValue(dest[i])
		}
		records = append(records, rec)
		if a, err := asInt64(rec["arrivalAtServer"]); err == nil && a >= maxArrival {
			maxArrival = a + 1
		}
	}
	if err := rows.Err(); err != nil {
		return DeltaPage{}, storageErr(fmt.Sprintf("deltas(%s)", table), err)
	}

	return DeltaPage{
		Records:       records,
		NextWatermark: maxArrival,
		HasMore:       len(records) == pageSize,
	}, nil
}

// encodeValue prepares a Record value for the driver. int64/float64/
// string/[]byte/nil pass through unchanged; modernc.org/sqlite accepts
// all five natively.
func encodeValue(v any) any { return v }

// DecodeRecord turns wire JSON (a map of column name to JSON value) into
// a Record whose values are coerced to the declared column type:
// INTEGER -> int64, REAL -> float64, TEXT -> string, BLOB -> []byte
// (base64-decoded). This is the inverse of the automatic []byte-to-
// base64 encoding encoding/json performs when a Record is marshaled.
func (s *RowStore) DecodeRecord(ctx context.Context, table string, raw json.RawMessage) (Record, error) {
	cols, err := s.columns(ctx, table)
	if err != nil {
		return nil, err
	}
	colType := make(map[string]string, len(cols))
	for _, c := range cols {
		colType[c.name] = c.declType
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var generic map[string]any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode record for %s: %w", table, err)
	}

	rec := make(Record, len(generic))
	for k, v := range generic {
		if !colSetHas(colType, k) {
			continue // unknown columns (e.g. Location's sawmillIds/oversizeSawmillIds) are handled by callers
		}
		coerced, err := coerceToColumn(colType[k], v)
		if err != nil {
			return nil, fmt.Errorf("decode record for %s.%s: %w", table, k, err)
		}
		rec[k] = coerced
	}
	return rec, nil
}

func colSetHas(m map[string]string, k string) bool {
	_, ok := m[k]
	return ok
}

func coerceToColumn(declType string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch {
	case strings.Contains(declType, "INT"):
		return asInt64(v)
	case strings.Contains(declType, "REAL"), strings.Contains(declType, "FLOA"), strings.Contains(declType, "DOUB"):
		return asFloat64(v)
	case strings.Contains(declType, "BLOB"):
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected base64 string for blob, got %T", v)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %w", err)
		}
		return b, nil
	default: // TEXT and anything else
		switch t := v.(type) {
		case string:
			return t, nil
		case json.Number:
			return t.String(), nil
		default:
			return fmt.Sprintf("%v", t), nil
		}
	}
}

func asInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(t, 10, 64)
	case nil:
		return 0, fmt.Errorf("nil value")
	default:
		return 0, fmt.Errorf("cannot coerce %T to int64", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	case nil:
		return 0, fmt.Errorf("nil value")
	default:
		return 0, fmt.Errorf("cannot coerce %T to float64", v)
	}
}
