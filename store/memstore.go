package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-process Store. Ids are allocated from a single
// monotonic counter shared by all tables.
type MemStore struct {
	mu       sync.Mutex
	nextID   int64
	tables   map[string]map[int64]Record
	failures map[string]error
	closed   bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		tables:   make(map[string]map[int64]Record),
		failures: make(map[string]error),
	}
}

// FailWrites makes every subsequent write to table return err. A nil err
// clears the failure.
func (m *MemStore) FailWrites(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, table)
		return
	}
	m.failures[table] = err
}

// Seed inserts a row with a fixed id. Used to prepare reference data.
func (m *MemStore) Seed(table string, id int64, fields Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := maps.Clone(fields)
	rec["id"] = id
	m.table(table)[id] = rec
	if id > m.nextID {
		m.nextID = id
	}
}

// Rows returns a copy of every row of table ordered by id.
func (m *MemStore) Rows(table string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[table]
	ids := slices.Sorted(maps.Keys(t))
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, maps.Clone(t[id]))
	}
	return out
}

func (m *MemStore) table(name string) map[int64]Record {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[int64]Record)
		m.tables[name] = t
	}
	return t
}

func (m *MemStore) writable(table string) error {
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	if err := m.failures[table]; err != nil {
		return fmt.Errorf("failed to write to %s: %w", table, err)
	}
	return nil
}

func (m *MemStore) Create(_ context.Context, table string, fields Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(table); err != nil {
		return 0, err
	}
	m.nextID++
	rec := maps.Clone(fields)
	if rec == nil {
		rec = Record{}
	}
	rec["id"] = m.nextID
	m.table(table)[m.nextID] = rec
	return m.nextID, nil
}

func (m *MemStore) GetByID(_ context.Context, table string, id int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tables[table][id]
	if !ok {
		return nil, nil
	}
	return maps.Clone(rec), nil
}

func (m *MemStore) GetByColumn(_ context.Context, table, column string, value any) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[table]
	var out []Record
	for _, id := range slices.Sorted(maps.Keys(t)) {
		if v, ok := t[id][column]; ok && fmt.Sprint(v) == fmt.Sprint(value) {
			out = append(out, maps.Clone(t[id]))
		}
	}
	return out, nil
}

func (m *MemStore) UpdateByID(_ context.Context, table string, id int64, fields Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(table); err != nil {
		return err
	}
	rec, ok := m.tables[table][id]
	if !ok {
		return fmt.Errorf("no row %d in %s", id, table)
	}
	for k, v := range fields {
		rec[k] = v
	}
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
