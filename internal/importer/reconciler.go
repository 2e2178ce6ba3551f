package importer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omarfornaroli/posapp-sub000/internal/config"
	"github.com/omarfornaroli/posapp-sub000/internal/logger"
	"github.com/omarfornaroli/posapp-sub000/internal/metrics"
	"github.com/omarfornaroli/posapp-sub000/internal/store"
)

// Policy governs what happens when an incoming record's natural key matches
// an existing server-side record.
type Policy string

const (
	PolicySkip      Policy = "skip"
	PolicyOverwrite Policy = "overwrite"
)

// RowError records one failed row without aborting the batch.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// BatchResult summarizes one reconcile call. Ephemeral; never persisted.
type BatchResult struct {
	BatchID  string     `json:"batchId"`
	Inserted int        `json:"insertedCount"`
	Updated  int        `json:"updatedCount"`
	Skipped  int        `json:"skippedCount"`
	Errors   []RowError `json:"errors"`
}

// Gateway is the slice of the remote contract the reconciler needs.
type Gateway interface {
	List(ctx context.Context, path string) ([]store.Record, error)
	Create(ctx context.Context, path string, payload json.RawMessage) (store.Record, error)
	Update(ctx context.Context, path, id string, payload json.RawMessage) (store.Record, error)
}

// Reconciler decides per incoming record whether to insert, overwrite, or
// skip, based on a natural key already present in the server collection.
// It expects already-mapped, typed records; spreadsheet column mapping is
// the caller's concern.
type Reconciler struct {
	gw      Gateway
	metrics *metrics.Metrics
}

func NewReconciler(gw Gateway, m *metrics.Metrics) *Reconciler {
	return &Reconciler{gw: gw, metrics: m}
}

// Reconcile processes rows against the server collection for entity.
// Per-row failures land in the result's Errors and processing continues;
// only the inability to list the existing collection is fatal.
func (r *Reconciler) Reconcile(ctx context.Context, entity config.EntityConfig, rows []json.RawMessage, naturalKey string, policy Policy) (BatchResult, error) {
	result := BatchResult{BatchID: uuid.New().String(), Errors: []RowError{}}

	if policy != PolicySkip && policy != PolicyOverwrite {
		return result, fmt.Errorf("invalid conflict policy %q", policy)
	}
	if naturalKey == "" {
		return result, fmt.Errorf("natural key field is required")
	}

	existing, err := r.gw.List(ctx, entity.APIPath())
	if err != nil {
		return result, fmt.Errorf("failed to list existing %s: %w", entity.Name, err)
	}

	index := make(map[string]store.Record, len(existing))
	for _, rec := range existing {
		if key, ok := fieldValue(rec.Data, naturalKey); ok {
			index[key] = rec
		}
	}

	for i, row := range rows {
		key, ok := fieldValue(row, naturalKey)
		if !ok {
			result.Errors = append(result.Errors, RowError{
				Row:    i,
				Reason: fmt.Sprintf("missing natural key field %q", naturalKey),
			})
			continue
		}

		match, found := index[key]
		switch {
		case !found:
			rec, err := r.insert(ctx, entity, row)
			if err != nil {
				result.Errors = append(result.Errors, RowError{Row: i, Reason: err.Error()})
				continue
			}
			result.Inserted++
			// Later rows with the same key collide against this insert.
			index[key] = rec

		case policy == PolicySkip:
			result.Skipped++

		default: // overwrite
			rec, err := r.overwrite(ctx, entity, match, row)
			if err != nil {
				result.Errors = append(result.Errors, RowError{Row: i, Reason: err.Error()})
				continue
			}
			result.Updated++
			index[key] = rec
		}
	}

	r.metrics.AddImportRows("inserted", result.Inserted)
	r.metrics.AddImportRows("updated", result.Updated)
	r.metrics.AddImportRows("skipped", result.Skipped)
	r.metrics.AddImportRows("failed", len(result.Errors))

	logger.Log.Info("Import batch reconciled",
		zap.String("batchId", result.BatchID),
		zap.String("entity", entity.Name),
		zap.String("policy", string(policy)),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", len(result.Errors)),
	)

	return result, nil
}

// insert creates the record server-side. Any client-supplied id is dropped
// so inserts always get a fresh identity.
func (r *Reconciler) insert(ctx context.Context, entity config.EntityConfig, row json.RawMessage) (store.Record, error) {
	fields, err := toMap(row)
	if err != nil {
		return store.Record{}, err
	}
	delete(fields, "id")

	payload, err := json.Marshal(fields)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to encode row: %w", err)
	}
	return r.gw.Create(ctx, entity.APIPath(), payload)
}

// overwrite merges the incoming fields over the existing record, preserving
// its identity and any fields the incoming payload does not carry.
func (r *Reconciler) overwrite(ctx context.Context, entity config.EntityConfig, existing store.Record, row json.RawMessage) (store.Record, error) {
	base, err := toMap(existing.Data)
	if err != nil {
		return store.Record{}, fmt.Errorf("existing record unreadable: %w", err)
	}
	incoming, err := toMap(row)
	if err != nil {
		return store.Record{}, err
	}

	for field, value := range incoming {
		if field == "id" {
			continue
		}
		base[field] = value
	}
	base["id"] = existing.ID

	payload, err := json.Marshal(base)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to encode merged record: %w", err)
	}
	return r.gw.Update(ctx, entity.APIPath(), existing.ID, payload)
}

func toMap(raw json.RawMessage) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("row is not an object: %w", err)
	}
	return fields, nil
}

// fieldValue extracts a comparable natural-key value from a JSON object.
// Strings, numbers, and booleans qualify; null, objects, and arrays do not.
func fieldValue(raw json.RawMessage, field string) (string, bool) {
	fields, err := toMap(raw)
	if err != nil {
		return "", false
	}
	value, ok := fields[field]
	if !ok || value == nil {
		return "", false
	}

	switch v := value.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}
