package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/ispchecker/ispchecker/internal/model"
)

// Memory keeps records in a map, it is lost on restart.
type Memory struct {
	mx   sync.RWMutex
	runs map[string]model.Record
}

func NewMemory() *Memory {
	return &Memory{runs: make(map[string]model.Record)}
}

func (m *Memory) Save(_ context.Context, rec model.Record) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.runs[rec.RunID] = rec
	return nil
}

func (m *Memory) Fetch(_ context.Context, runID string) (model.Record, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return model.Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) List(_ context.Context, filter Filter, limit, offset int) ([]model.Record, error) {
	m.mx.RLock()
	out := make([]model.Record, 0, len(m.runs))
	for _, rec := range m.runs {
		if filter.match(rec) {
			out = append(out, rec)
		}
	}
	m.mx.RUnlock()

	slices.SortFunc(out, newestFirst)
	if offset >= len(out) {
		return []model.Record{}, nil
	}
	out = out[offset:]
	if limit >= 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, runID string) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(m.runs, runID)
	return nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func newestFirst(a, b model.Record) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(b.RunID, a.RunID)
}
