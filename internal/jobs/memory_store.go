package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore はプロセス内のマップにジョブを保存します。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job is nil or has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.now()
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = job.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to State, mutate func(*Job)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := applyTransition(current, from, to, mutate, s.now())
	if err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, mutate func(*Job)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := applyUpdate(current, mutate, s.now())
	s.jobs[id] = next
	return next.clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListByState(ctx context.Context, state State, enteredBefore time.Time) ([]*Job, error) {
	s.mu.RLock()
	var list []*Job
	for _, job := range s.jobs {
		if job.State != state {
			continue
		}
		if !enteredBefore.IsZero() && job.enteredAt().After(enteredBefore) {
			continue
		}
		list = append(list, job.clone())
	}
	s.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].enteredAt().Before(list[j].enteredAt())
	})
	return list, nil
}
