package resources

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/acuicola/piscis/common/sentinel"
	"github.com/acuicola/piscis/common/trace"
	"github.com/acuicola/piscis/internal/piscis/audit"
	"github.com/acuicola/piscis/internal/piscis/metrics"
	"github.com/acuicola/piscis/internal/piscis/passcheck"
	"github.com/acuicola/piscis/internal/piscis/store"
)

// Authorizer is the pass-check used before every guarded mutation.
type Authorizer interface {
	Authorize(ctx context.Context, actorID string, privileged bool, table, recordID string, intent passcheck.MutationIntent) error
}

// Actor is the caller of a mutation.
type Actor struct {
	ID         string
	Privileged bool
}

// ListOptions narrows List.
type ListOptions struct {
	IncludeInactive bool
	Page            int
	PageSize        int
}

// Mutator reads and writes protected records. Replace, Patch and Deactivate
// are gated; Create is only audited.
type Mutator struct {
	db        *sql.DB
	registry  *Registry
	gate      Authorizer
	trail     *audit.Trail
	metrics   *metrics.Metrics
	now       func() time.Time
	txTimeout time.Duration
}

// MutatorConfig holds the Mutator collaborators.
type MutatorConfig struct {
	DB        *sql.DB
	Registry  *Registry
	Gate      Authorizer
	Trail     *audit.Trail
	Metrics   *metrics.Metrics
	Now       func() time.Time
	TxTimeout time.Duration
}

// NewMutator creates a Mutator.
func NewMutator(cfg MutatorConfig) (*Mutator, error) {
	if cfg.DB == nil || cfg.Registry == nil || cfg.Gate == nil || cfg.Trail == nil {
		return nil, errors.New("resources: DB, Registry, Gate and Trail are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Mutator{
		db:        cfg.DB,
		registry:  cfg.Registry,
		gate:      cfg.Gate,
		trail:     cfg.Trail,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		txTimeout: cfg.TxTimeout,
	}, nil
}

// Registry returns the resource registry.
func (m *Mutator) Registry() *Registry { return m.registry }

// Get returns one record.
func (m *Mutator) Get(ctx context.Context, resource, id string) (*Record, error) {
	if _, err := m.registry.Lookup(resource); err != nil {
		return nil, err
	}
	rid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	return getRecord(ctx, m.db, resource, rid)
}

// List returns one page of records, newest id first, plus the total count.
func (m *Mutator) List(ctx context.Context, resource string, opts ListOptions) ([]*Record, int, error) {
	if _, err := m.registry.Lookup(resource); err != nil {
		return nil, 0, err
	}
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize <= 0 || opts.PageSize > 100 {
		opts.PageSize = 20
	}
	where := "activo = 1"
	if opts.IncludeInactive {
		where = "1 = 1"
	}

	var total int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+resource+` WHERE `+where).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count %s: %w", resource, err)
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM `+resource+` WHERE `+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		opts.PageSize, (opts.Page-1)*opts.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list %s: %w", resource, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(resource, rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan %s: %w", resource, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating %s: %w", resource, err)
	}
	return out, total, nil
}

// Create inserts a new active record. Creation needs no pass.
func (m *Mutator) Create(ctx context.Context, actor Actor, resource string, doc map[string]any) (*Record, error) {
	res, err := m.registry.Lookup(resource)
	if err != nil {
		return nil, err
	}
	doc, err = normalize(doc)
	if err != nil {
		return nil, err
	}
	body, activo, err := splitPayload(doc)
	if err != nil {
		return nil, err
	}
	if err := res.Validate(body); err != nil {
		return nil, err
	}
	active := activo == nil || *activo

	now := m.now().UTC()
	var created *Record
	err = store.WithTx(ctx, m.db, m.txTimeout, func(tx *sql.Tx) error {
		id, err := insertRecord(ctx, tx, resource, body, active, now)
		if err != nil {
			return err
		}
		if created, err = getRecord(ctx, tx, resource, id); err != nil {
			return err
		}
		_, err = m.trail.Append(ctx, tx, audit.Event{
			ActorID:        actor.ID,
			TargetTable:    resource,
			TargetRecordID: strconv.FormatInt(id, 10),
			Action:         audit.ActionInsert,
			Detail:         map[string]any{"after": created.View()},
			OccurredAt:     now,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", resource, err)
	}
	m.metrics.IncMutation(resource, string(audit.ActionInsert))
	return created, nil
}

// Replace overwrites the body of a record (PUT). The active flag is kept
// unless the payload sets it.
func (m *Mutator) Replace(ctx context.Context, actor Actor, resource, id string, doc map[string]any) (*Record, error) {
	return m.update(ctx, actor, resource, id, func(cur *Record) (map[string]any, bool, error) {
		norm, err := normalize(doc)
		if err != nil {
			return nil, false, err
		}
		body, activo, err := splitPayload(norm)
		if err != nil {
			return nil, false, err
		}
		active := cur.Activo
		if activo != nil {
			active = *activo
		}
		return body, active, nil
	})
}

// Patch merges doc into a record (PATCH). A null value removes the field.
func (m *Mutator) Patch(ctx context.Context, actor Actor, resource, id string, doc map[string]any) (*Record, error) {
	return m.update(ctx, actor, resource, id, func(cur *Record) (map[string]any, bool, error) {
		norm, err := normalize(doc)
		if err != nil {
			return nil, false, err
		}
		changes, activo, err := splitPayload(norm)
		if err != nil {
			return nil, false, err
		}
		body := make(map[string]any, len(cur.Datos)+len(changes))
		for k, v := range cur.Datos {
			body[k] = v
		}
		for k, v := range changes {
			if v == nil {
				delete(body, k)
				continue
			}
			body[k] = v
		}
		active := cur.Activo
		if activo != nil {
			active = *activo
		}
		return body, active, nil
	})
}

// Deactivate soft-deletes a record (DELETE).
func (m *Mutator) Deactivate(ctx context.Context, actor Actor, resource, id string) (*Record, error) {
	if _, err := m.registry.Lookup(resource); err != nil {
		return nil, err
	}
	rid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	cur, err := getRecord(ctx, m.db, resource, rid)
	if err != nil {
		return nil, err
	}
	if !cur.Activo {
		return nil, fmt.Errorf("%s #%d is already inactive: %w", resource, rid, sentinel.ErrInvalidState)
	}
	if err := m.gate.Authorize(ctx, actor.ID, actor.Privileged, resource, strconv.FormatInt(rid, 10), passcheck.MutationIntent{Delete: true}); err != nil {
		return nil, err
	}
	return m.write(ctx, actor, cur, cur.Datos, false, audit.ActionDelete, []string{FieldActivo})
}

type buildFunc func(cur *Record) (body map[string]any, active bool, err error)

// update loads the record, builds the new state, asks the gate for the
// passes the change needs and writes it. The gate runs before the write
// transaction opens; the write re-checks that the row did not move.
func (m *Mutator) update(ctx context.Context, actor Actor, resource, id string, build buildFunc) (*Record, error) {
	res, err := m.registry.Lookup(resource)
	if err != nil {
		return nil, err
	}
	rid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	cur, err := getRecord(ctx, m.db, resource, rid)
	if err != nil {
		return nil, err
	}
	body, active, err := build(cur)
	if err != nil {
		return nil, err
	}
	if err := res.Validate(body); err != nil {
		return nil, err
	}

	after := make(map[string]any, len(body)+1)
	for k, v := range body {
		after[k] = v
	}
	after[FieldActivo] = active
	fields := changedFields(cur.state(), after)

	if err := m.gate.Authorize(ctx, actor.ID, actor.Privileged, resource, strconv.FormatInt(rid, 10), passcheck.MutationIntent{Fields: fields}); err != nil {
		return nil, err
	}
	return m.write(ctx, actor, cur, body, active, audit.ActionUpdate, fields)
}

func (m *Mutator) write(ctx context.Context, actor Actor, cur *Record, body map[string]any, active bool, action audit.Action, fields []string) (*Record, error) {
	now := m.now().UTC()
	var updated *Record
	err := store.WithTx(ctx, m.db, m.txTimeout, func(tx *sql.Tx) error {
		ok, err := updateRecord(ctx, tx, cur, body, active, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s #%d changed concurrently: %w", cur.Resource, cur.ID, sentinel.ErrInvalidState)
		}
		if updated, err = getRecord(ctx, tx, cur.Resource, cur.ID); err != nil {
			return err
		}
		_, err = m.trail.Append(ctx, tx, audit.Event{
			ActorID:        actor.ID,
			TargetTable:    cur.Resource,
			TargetRecordID: strconv.FormatInt(cur.ID, 10),
			Action:         action,
			Detail: map[string]any{
				"before": cur.View(),
				"after":  updated.View(),
				"fields": fields,
				"bypass": actor.Privileged,
			},
			OccurredAt: now,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s #%d: %w", action, cur.Resource, cur.ID, err)
	}

	m.metrics.IncMutation(cur.Resource, string(action))
	slog.Info("protected record mutated",
		"resource", cur.Resource, "id", cur.ID, "action", action, "actor", actor.ID,
		"fields", fields, "trace_id", trace.FromContext(ctx))
	return updated, nil
}
