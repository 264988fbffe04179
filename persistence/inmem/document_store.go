package inmem

import (
	"errors"
	"sync"

	"github.com/choirhq/choir/persistence"
)

var _ persistence.DocumentStore = new(InMemDocumentStore)

type document struct {
	version int64
	data    []byte
}

// InMemDocumentStore is the memory-backed store used by unit tests and the
// `memory` storage impl. A single mutex makes every operation atomic,
// which gives strictly stronger guarantees than the Redis compare-and-swap
// it stands in for.
type InMemDocumentStore struct {
	mu   sync.Mutex
	docs map[string]*document
}

func NewInMemDocumentStore() *InMemDocumentStore {
	return &InMemDocumentStore{
		docs: make(map[string]*document),
	}
}

func (s *InMemDocumentStore) CreateIfAbsent(key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[key]; ok {
		return false, nil
	}
	s.docs[key] = &document{version: 1, data: clone(value)}
	return true, nil
}

func (s *InMemDocumentStore) Get(key string) (*persistence.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, persistence.NotFoundError{Key: key}
	}
	return &persistence.Document{Key: key, Version: doc.version, Data: clone(doc.data)}, nil
}

func (s *InMemDocumentStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		s.docs[key] = &document{version: 1, data: clone(value)}
		return nil
	}
	doc.version++
	doc.data = clone(value)
	return nil
}

func (s *InMemDocumentStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key)
	return nil
}

func (s *InMemDocumentStore) GetPath(key string, path string) (any, error) {
	doc, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	return persistence.LookupPath(doc.Data, path)
}

func (s *InMemDocumentStore) SetPath(key string, path string, value any) error {
	_, err := s.Update(key, func(current []byte) ([]byte, error) {
		return persistence.ApplySetPath(current, path, value)
	})
	return err
}

func (s *InMemDocumentStore) Merge(key string, path string, value map[string]any) error {
	_, err := s.Update(key, func(current []byte) ([]byte, error) {
		return persistence.ApplyMerge(current, path, value)
	})
	return err
}

func (s *InMemDocumentStore) Increment(key string, path string, delta int64) (int64, error) {
	var result int64
	_, err := s.Update(key, func(current []byte) ([]byte, error) {
		next, val, err := persistence.ApplyIncrement(current, path, delta)
		if err != nil {
			return nil, err
		}
		result = val
		return next, nil
	})
	return result, err
}

func (s *InMemDocumentStore) Append(key string, path string, value any) error {
	_, err := s.Update(key, func(current []byte) ([]byte, error) {
		return persistence.ApplyAppend(current, path, value)
	})
	return err
}

func (s *InMemDocumentStore) Update(key string, fn persistence.UpdateFn) (*persistence.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, persistence.NotFoundError{Key: key}
	}
	next, err := fn(clone(doc.data))
	if err != nil {
		if errors.Is(err, persistence.ErrAbortUpdate) {
			return &persistence.Document{Key: key, Version: doc.version, Data: clone(doc.data)}, err
		}
		return nil, err
	}
	doc.version++
	doc.data = clone(next)
	return &persistence.Document{Key: key, Version: doc.version, Data: clone(doc.data)}, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
