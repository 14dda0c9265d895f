package resources

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/acuicola/piscis/common/sentinel"
	"github.com/acuicola/piscis/internal/piscis/store"
)

// Fields kept outside the document body.
const (
	FieldID        = "id"
	FieldActivo    = "activo"
	FieldCreadoEn  = "creado_en"
	FieldUpdatedEn = "actualizado_en"
)

// Record is one row of a protected table.
type Record struct {
	ID            int64
	Resource      string
	Datos         map[string]any
	Activo        bool
	CreadoEn      time.Time
	ActualizadoEn time.Time
}

// View flattens the record for API responses and audit snapshots.
func (r *Record) View() map[string]any {
	v := make(map[string]any, len(r.Datos)+4)
	for k, val := range r.Datos {
		v[k] = val
	}
	v[FieldID] = r.ID
	v[FieldActivo] = r.Activo
	v[FieldCreadoEn] = store.FormatTime(r.CreadoEn)
	v[FieldUpdatedEn] = store.FormatTime(r.ActualizadoEn)
	return v
}

// state is the part of a record that mutations compare: the body plus the
// active flag.
func (r *Record) state() map[string]any {
	s := make(map[string]any, len(r.Datos)+1)
	for k, v := range r.Datos {
		s[k] = v
	}
	s[FieldActivo] = r.Activo
	return s
}

// changedFields lists the top-level keys whose values differ.
func changedFields(before, after map[string]any) []string {
	seen := make(map[string]bool)
	var out []string
	for k, v := range after {
		seen[k] = true
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			out = append(out, k)
		}
	}
	for k := range before {
		if !seen[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ParseID converts a wire record ID. Anything that is not a positive integer
// cannot name a row.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("record %q: %w", s, sentinel.ErrNotFound)
	}
	return id, nil
}

// normalize round-trips doc through JSON so values have the types the
// decoder produces (float64, []any, map[string]any).
func normalize(doc map[string]any) (map[string]any, error) {
	if doc == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON-encodable: %v: %w", err, sentinel.ErrValidation)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// splitPayload separates the body from the active flag and drops the
// read-only metadata keys. activo is nil when the payload does not set it.
func splitPayload(doc map[string]any) (map[string]any, *bool, error) {
	body := make(map[string]any, len(doc))
	var activo *bool
	for k, v := range doc {
		switch k {
		case FieldID, FieldCreadoEn, FieldUpdatedEn:
		case FieldActivo:
			b, ok := v.(bool)
			if !ok {
				return nil, nil, fmt.Errorf("activo must be a boolean: %w", sentinel.ErrValidation)
			}
			activo = &b
		default:
			body[k] = v
		}
	}
	return body, activo, nil
}

const recordColumns = `id, datos, activo, creado_en, actualizado_en`

func scanRecord(resource string, row interface{ Scan(...any) error }) (*Record, error) {
	r := &Record{Resource: resource}
	var datos, creado, actualizado string
	var activo int
	if err := row.Scan(&r.ID, &datos, &activo, &creado, &actualizado); err != nil {
		return nil, err
	}
	r.Activo = activo != 0
	if err := json.Unmarshal([]byte(datos), &r.Datos); err != nil {
		return nil, fmt.Errorf("decode %s #%d: %w", resource, r.ID, err)
	}
	var err error
	if r.CreadoEn, err = store.ParseTime(creado); err != nil {
		return nil, err
	}
	if r.ActualizadoEn, err = store.ParseTime(actualizado); err != nil {
		return nil, err
	}
	return r, nil
}

// resource names come from the Registry only, so interpolating them into
// SQL is safe.
func getRecord(ctx context.Context, q store.Querier, resource string, id int64) (*Record, error) {
	r, err := scanRecord(resource, q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM `+resource+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s #%d: %w", resource, id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s #%d: %w", resource, id, err)
	}
	return r, nil
}

func insertRecord(ctx context.Context, x store.Execer, resource string, datos map[string]any, activo bool, now time.Time) (int64, error) {
	raw, err := json.Marshal(datos)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", resource, err)
	}
	ts := store.FormatTime(now)
	res, err := x.ExecContext(ctx,
		`INSERT INTO `+resource+` (datos, activo, creado_en, actualizado_en) VALUES (?, ?, ?, ?)`,
		string(raw), boolInt(activo), ts, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s: %w", resource, err)
	}
	return res.LastInsertId()
}

// updateRecord writes datos and activo only if the row still carries the
// version the caller read.
func updateRecord(ctx context.Context, x store.Execer, cur *Record, datos map[string]any, activo bool, now time.Time) (bool, error) {
	raw, err := json.Marshal(datos)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", cur.Resource, err)
	}
	res, err := x.ExecContext(ctx,
		`UPDATE `+cur.Resource+` SET datos = ?, activo = ?, actualizado_en = ? WHERE id = ? AND actualizado_en = ?`,
		string(raw), boolInt(activo), store.FormatTime(now), cur.ID, store.FormatTime(cur.ActualizadoEn))
	if err != nil {
		return false, fmt.Errorf("failed to update %s #%d: %w", cur.Resource, cur.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
