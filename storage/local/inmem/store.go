package inmemstore

import (
	"context"
	"sort"
	"sync"

	"github.com/trezcool/masomo-sync/core/offline"
)

type (
	entry struct {
		seq     int64
		indexes map[string]string
		body    []byte
	}

	collection struct {
		docs map[string]*entry
	}

	// Store keeps the offline collections in memory. Nothing survives the process.
	Store struct {
		mu          sync.RWMutex
		seq         int64
		collections map[string]*collection
		closed      bool
	}
)

var _ offline.Store = (*Store)(nil) // interface compliance check

func New() *Store {
	s := &Store{collections: make(map[string]*collection, len(offline.Collections))}
	for name := range offline.Collections {
		s.collections[name] = &collection{docs: make(map[string]*entry)}
	}
	return s
}

func (s *Store) check(collection string, index ...string) error {
	if s.closed {
		return offline.ErrStoreClosed
	}
	return offline.CheckCollection(collection, index...)
}

func (s *Store) Put(_ context.Context, collection string, doc offline.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(collection); err != nil {
		return err
	}

	body := make([]byte, len(doc.Body))
	copy(body, doc.Body)
	indexes := make(map[string]string, len(offline.Collections[collection]))
	for _, name := range offline.Collections[collection] {
		if v, ok := doc.Indexes[name]; ok {
			indexes[name] = v
		}
	}

	coll := s.collections[collection]
	if e, ok := coll.docs[doc.Key]; ok {
		e.body = body
		e.indexes = indexes
		return nil
	}
	s.seq++
	coll.docs[doc.Key] = &entry{seq: s.seq, indexes: indexes, body: body}
	return nil
}

func (s *Store) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(collection); err != nil {
		return nil, false, err
	}

	e, ok := s.collections[collection].docs[key]
	if !ok {
		return nil, false, nil
	}
	body := make([]byte, len(e.body))
	copy(body, e.body)
	return body, true, nil
}

func (s *Store) QueryByIndex(_ context.Context, collection, index, value string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(collection, index); err != nil {
		return nil, err
	}

	matches := make([]*entry, 0)
	for _, e := range s.collections[collection].docs {
		if v, ok := e.indexes[index]; ok && v == value {
			matches = append(matches, e)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })

	bodies := make([][]byte, 0, len(matches))
	for _, e := range matches {
		body := make([]byte, len(e.body))
		copy(body, e.body)
		bodies = append(bodies, body)
	}
	return bodies, nil
}

func (s *Store) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(collection); err != nil {
		return err
	}
	delete(s.collections[collection].docs, key)
	return nil
}

func (s *Store) Clear(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(collection); err != nil {
		return err
	}
	s.collections[collection].docs = make(map[string]*entry)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
