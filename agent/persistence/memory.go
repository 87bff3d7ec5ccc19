package persistence

import (
	"context"
	"sync"

	"github.com/driftlab/easel/agent/entity"
)

// MemoryEntityStore is an in-memory EntityStore for development and tests.
type MemoryEntityStore struct {
	mu       sync.RWMutex
	entities map[string]entity.State
	closed   bool
}

// NewMemoryEntityStore creates an empty in-memory entity store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{entities: make(map[string]entity.State)}
}

func (s *MemoryEntityStore) SaveEntity(ctx context.Context, state entity.State) error {
	if state.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.entities[state.ID] = state.Clone()
	return nil
}

func (s *MemoryEntityStore) GetEntity(ctx context.Context, id string) (entity.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return entity.State{}, ErrStoreClosed
	}
	state, ok := s.entities[id]
	if !ok {
		return entity.State{}, ErrNotFound
	}
	return state.Clone(), nil
}

func (s *MemoryEntityStore) ListEntityIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryEntityStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryEntityStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// MemoryTaskStore is an in-memory TaskStore for development and tests.
type MemoryTaskStore struct {
	mu     sync.RWMutex
	tasks  map[string]*MaterializeTask
	closed bool
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*MaterializeTask)}
}

func (s *MemoryTaskStore) SaveTask(ctx context.Context, task *MaterializeTask) error {
	if task == nil || task.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	clone := *task
	s.tasks[task.ID] = &clone
	return nil
}

func (s *MemoryTaskStore) GetTask(ctx context.Context, id string) (*MaterializeTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *task
	return &clone, nil
}

func (s *MemoryTaskStore) ListRecoverable(ctx context.Context) ([]*MaterializeTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*MaterializeTask
	for _, task := range s.tasks {
		if task.Status.IsRecoverable() {
			clone := *task
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryTaskStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryTaskStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryTaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
