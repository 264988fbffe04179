package persistence

import (
	"errors"
	"fmt"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

type NotFoundError struct {
	Key string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("document %s not found", e.Key)
}

// ConflictError is returned by Update when the document version moved
// underneath the read-modify-write and retries were exhausted.
type ConflictError struct {
	Key string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflicting concurrent update on document %s", e.Key)
}

// ErrAbortUpdate lets an UpdateFn bail out without writing anything. The
// lease manager uses it to turn a denied acquire into a clean no-op.
var ErrAbortUpdate = errors.New("update aborted")

// Document is a versioned JSON payload. Version increases by one on every
// successful write and is the compare half of compare-and-swap.
type Document struct {
	Key     string
	Version int64
	Data    []byte
}

// UpdateFn receives the current document body (nil if absent) and returns
// the replacement body. Returning an error wrapping ErrAbortUpdate cancels
// the write.
type UpdateFn func(current []byte) ([]byte, error)

// DocumentStore is the engine's only shared mutable resource. Every
// control-plane mutation goes through CreateIfAbsent or Update; the plain
// Set exists for data-plane output documents that have a single writer.
type DocumentStore interface {
	CreateIfAbsent(key string, value []byte) (bool, error)
	Get(key string) (*Document, error)
	Set(key string, value []byte) error
	Delete(key string) error

	GetPath(key string, path string) (any, error)
	SetPath(key string, path string, value any) error
	Merge(key string, path string, value map[string]any) error
	Increment(key string, path string, delta int64) (int64, error)
	Append(key string, path string, value any) error

	Update(key string, fn UpdateFn) (*Document, error)
}
