package store

import (
	"context"
	"sort"
	"sync"

	"github.com/eldtechnologies/roomrelay/internal/models"
)

// MemoryStore keeps nodes in process memory. It backs tests and
// single-process setups where nothing needs to survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]models.Record
	children map[string][]models.Record // live children, sorted
	receipts map[string]map[string]models.Receipt
	blobs    map[string]map[string]models.Blob
	deleted  map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]models.Record),
		children: make(map[string][]models.Record),
		receipts: make(map[string]map[string]models.Receipt),
		blobs:    make(map[string]map[string]models.Blob),
		deleted:  make(map[string]bool),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// PutBundle stores the bundle. It cannot fail part way.
func (s *MemoryStore) PutBundle(ctx context.Context, b Bundle) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []string
	for _, n := range b.Nodes {
		if _, ok := s.nodes[n.ID]; ok {
			continue
		}
		s.nodes[n.ID] = n
		s.insertChild(n)
		inserted = append(inserted, n.ID)
	}

	for _, r := range b.Receipts {
		m := s.receipts[r.RecordID]
		if m == nil {
			m = make(map[string]models.Receipt)
			s.receipts[r.RecordID] = m
		}
		m[r.ID] = r
	}

	for _, blob := range b.Blobs {
		m := s.blobs[blob.RecordID]
		if m == nil {
			m = make(map[string]models.Blob)
			s.blobs[blob.RecordID] = m
		}
		m[blob.ID] = blob
	}

	return inserted, nil
}

func (s *MemoryStore) insertChild(n models.Record) {
	list := s.children[n.ParentID]
	i := sort.Search(len(list), func(i int) bool { return before(n, list[i]) })
	list = append(list, models.Record{})
	copy(list[i+1:], list[i:])
	list[i] = n
	s.children[n.ParentID] = list
}

// GetRecords returns the live records among ids, in the order given.
func (s *MemoryStore) GetRecords(ctx context.Context, ids []string) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Record, 0, len(ids))
	for _, id := range ids {
		if n, ok := s.nodes[id]; ok && !s.deleted[id] {
			out = append(out, n)
		}
	}
	return out, nil
}

// ListChildren pages the live children of parentID.
func (s *MemoryStore) ListChildren(ctx context.Context, parentID string, q Query) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return page(s.children[parentID], q)
}

// Blobs returns the blobs attached to recordIDs.
func (s *MemoryStore) Blobs(ctx context.Context, recordIDs []string) ([]models.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Blob
	for _, id := range recordIDs {
		for _, b := range s.blobs[id] {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReceiptsForTarget returns unexpired receipts naming target below parentID.
func (s *MemoryStore) ReceiptsForTarget(ctx context.Context, parentID, target string, nowMs int64) ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Receipt
	for _, n := range s.children[parentID] {
		var matched []models.Receipt
		for _, r := range s.receipts[n.ID] {
			if r.Permits(target, nowMs) {
				matched = append(matched, r)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
		out = append(out, matched...)
	}
	return out, nil
}

// ExpiredRecords returns live records whose receipts have all expired.
func (s *MemoryStore) ExpiredRecords(ctx context.Context, nowMs int64) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Record
	for id, receipts := range s.receipts {
		if s.deleted[id] || len(receipts) == 0 {
			continue
		}
		n, ok := s.nodes[id]
		if !ok {
			continue
		}
		expired := true
		for _, r := range receipts {
			if !r.Expired(nowMs) {
				expired = false
				break
			}
		}
		if expired {
			out = append(out, n)
		}
	}
	sortRecords(out)
	return out, nil
}

// MarkDeleted soft-deletes ids. Unknown ids are ignored.
func (s *MemoryStore) MarkDeleted(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		n, ok := s.nodes[id]
		if !ok || s.deleted[id] {
			continue
		}
		s.deleted[id] = true

		list := s.children[n.ParentID]
		for i := range list {
			if list[i].ID == id {
				s.children[n.ParentID] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return nil
}
