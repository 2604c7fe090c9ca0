// Package memory is a mutex-guarded, map-backed Store used by tests
// and by `broker server -dev`. It mirrors the DynamoDB implementation
// operation for operation, including conditional-write semantics.
package memory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"miren.dev/broker/pool"
	"miren.dev/broker/store"
)

// Store keeps every sandbox in process memory.
type Store struct {
	mu   sync.Mutex
	rows map[string]*pool.Sandbox
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{rows: make(map[string]*pool.Sandbox)}
}

func (s *Store) Get(ctx context.Context, sandboxID string) (*pool.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb, ok := s.rows[sandboxID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sb.Clone(), nil
}

func (s *Store) PutIfAbsent(ctx context.Context, sb *pool.Sandbox) error {
	if err := sb.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[sb.SandboxID]; ok {
		return store.ErrAlreadyExists
	}
	s.rows[sb.SandboxID] = sb.Clone()
	return nil
}

func (s *Store) UpdateIf(ctx context.Context, sandboxID string, version int64, patch store.Patch) (*pool.Sandbox, error) {
	if err := patch.Check(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rows[sandboxID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if cur.Version != version {
		return nil, store.ErrVersionConflict
	}
	if patch.ExpectStatus != nil && cur.Status != *patch.ExpectStatus {
		return nil, store.ErrVersionConflict
	}

	next := cur.Clone()
	patch.Apply(next)
	next.Version = version + 1
	if err := next.Validate(); err != nil {
		return nil, err
	}

	s.rows[sandboxID] = next
	return next.Clone(), nil
}

func (s *Store) DeleteIf(ctx context.Context, sandboxID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rows[sandboxID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != version {
		return store.ErrVersionConflict
	}
	delete(s.rows, sandboxID)
	return nil
}

func (s *Store) ScanByStatus(ctx context.Context, status pool.Status, limit int) ([]*pool.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.byStatusLocked(status)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindByTrack(ctx context.Context, trackID string) (*pool.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sb := range s.rows {
		if sb.Status == pool.StatusAllocated && sb.AllocatedToTrack == trackID {
			return sb.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) Scan(ctx context.Context, status *pool.Status, cursor string, limit int) (*store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*pool.Sandbox
	if status != nil {
		all = s.byStatusLocked(*status)
	} else {
		for _, sb := range s.rows {
			all = append(all, sb.Clone())
		}
		sortByKey(all)
	}

	// Cursors name the last returned row, so pages stay correct even
	// when rows are deleted between calls.
	start := 0
	if cursor != "" {
		after, err := decodeCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrBadCursor, err)
		}
		for start < len(all) && !keyAfter(all[start], after) {
			start++
		}
	}

	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	page := &store.Page{Items: all[start:end]}
	if end < len(all) && end > start {
		page.Cursor = encodeCursor(all[end-1])
	}
	return page, nil
}

func (s *Store) CountByStatus(ctx context.Context) (store.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(store.Counts, len(pool.Statuses))
	for _, st := range pool.Statuses {
		counts[st] = 0
	}
	for _, sb := range s.rows {
		counts[sb.Status]++
	}
	return counts, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// Len reports the number of rows. Test helper.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// byStatusLocked returns clones of every row in the status, ordered by
// allocated_at then id, matching the status index sort upstream.
func (s *Store) byStatusLocked(status pool.Status) []*pool.Sandbox {
	var out []*pool.Sandbox
	for _, sb := range s.rows {
		if sb.Status == status {
			out = append(out, sb.Clone())
		}
	}
	sortByKey(out)
	return out
}

func sortByKey(rows []*pool.Sandbox) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].AllocatedAt != rows[j].AllocatedAt {
			return rows[i].AllocatedAt < rows[j].AllocatedAt
		}
		return rows[i].SandboxID < rows[j].SandboxID
	})
}

// memCursor is the last returned row's sort key. Base64 JSON, just
// like the DynamoDB store's LastEvaluatedKey cursors, so handlers
// treat both as opaque.
type memCursor struct {
	AllocatedAt int64  `json:"aat"`
	SandboxID   string `json:"sid"`
}

func keyAfter(sb *pool.Sandbox, c memCursor) bool {
	if sb.AllocatedAt != c.AllocatedAt {
		return sb.AllocatedAt > c.AllocatedAt
	}
	return sb.SandboxID > c.SandboxID
}

func encodeCursor(last *pool.Sandbox) string {
	raw, _ := json.Marshal(memCursor{AllocatedAt: last.AllocatedAt, SandboxID: last.SandboxID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(cursor string) (memCursor, error) {
	var c memCursor
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, err
	}
	if c.SandboxID == "" {
		return c, errors.New("cursor missing sandbox id")
	}
	return c, nil
}
