package store

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// Store is the embedded document cache backing all UI reads. It is pure
// storage: no network awareness, durable across restarts.
type Store interface {
	// Cache tables
	GetAll(ctx context.Context, entity string) ([]Record, error)
	Count(ctx context.Context, entity string) (int, error)
	ReplaceAll(ctx context.Context, entity string, records []Record) error
	UpsertOne(ctx context.Context, entity string, record Record) error
	Remove(ctx context.Context, entity string, id string) error

	// Settings-style singletons
	GetSingleton(ctx context.Context, entity string) (*Record, error)
	PutSingleton(ctx context.Context, entity string, data json.RawMessage) error

	// Persisted markers
	GetMarker(ctx context.Context, key string) (string, bool, error)
	SetMarker(ctx context.Context, key, value string) error
	DeleteMarker(ctx context.Context, key string) error
	ClearMarkers(ctx context.Context) error

	Close() error
}

// StorageError wraps embedded-database failures so callers can degrade to
// "no cached data" instead of crashing.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
