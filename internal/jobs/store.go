package jobs

import (
	"context"
	"sync"
)

// Store is the job registry. Update applies mutate to a copy of the job
// and commits it atomically if the result is a valid transition.
type Store interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	Update(ctx context.Context, id string, mutate func(*Job)) (Job, error)
	// List returns a snapshot of every job, in no particular order.
	List(ctx context.Context) ([]Job, error)
}

type entry struct {
	mu  sync.Mutex
	job Job
}

// InMemoryStore locks per job, so a poll never waits on another job's
// update.
type InMemoryStore struct {
	data sync.Map
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Create(_ context.Context, job Job) error {
	if _, loaded := s.data.LoadOrStore(job.ID, &entry{job: job}); loaded {
		return ErrDuplicateID
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Job, error) {
	e, ok := s.load(id)
	if !ok {
		return Job{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

func (s *InMemoryStore) Update(_ context.Context, id string, mutate func(*Job)) (Job, error) {
	e, ok := s.load(id)
	if !ok {
		return Job{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.job
	mutate(&next)
	if err := checkTransition(e.job, next); err != nil {
		return e.job, err
	}
	e.job = next
	return next, nil
}

func (s *InMemoryStore) List(_ context.Context) ([]Job, error) {
	var out []Job
	s.data.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.job)
		e.mu.Unlock()
		return true
	})
	return out, nil
}

func (s *InMemoryStore) load(id string) (*entry, bool) {
	v, ok := s.data.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}
