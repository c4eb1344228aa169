package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iago/llm-dvm/internal/domain"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobRecordStore persists job records. Update runs mutate atomically against
// the current stored value; an error from mutate aborts the write.
type JobRecordStore interface {
	Append(ctx context.Context, record *domain.JobRecord) error
	Get(ctx context.Context, id string) (*domain.JobRecord, error)
	Update(ctx context.Context, id string, mutate func(record *domain.JobRecord) error) (*domain.JobRecord, error)
	Page(ctx context.Context, filter domain.JobRecordFilter) ([]*domain.JobRecord, int, error)
}

// UpdateStatus moves a record to status and applies patch in the same write.
// Terminal records only accept their own status again.
func UpdateStatus(
	ctx context.Context,
	store JobRecordStore,
	id string,
	status domain.JobStatus,
	patch func(record *domain.JobRecord),
) (*domain.JobRecord, error) {
	return store.Update(ctx, id, func(record *domain.JobRecord) error {
		if record.Status.Terminal() && record.Status != status {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, status)
		}
		record.Status = status
		if patch != nil {
			patch(record)
		}
		return nil
	})
}

// TransitionStatus is UpdateStatus guarded by the expected current status.
func TransitionStatus(
	ctx context.Context,
	store JobRecordStore,
	id string,
	from domain.JobStatus,
	to domain.JobStatus,
	patch func(record *domain.JobRecord),
) (*domain.JobRecord, error) {
	return store.Update(ctx, id, func(record *domain.JobRecord) error {
		if record.Status != from {
			return fmt.Errorf("%w: expected %s, found %s", ErrInvalidTransition, from, record.Status)
		}
		record.Status = to
		if patch != nil {
			patch(record)
		}
		return nil
	})
}

// prepareAppend fills the id and timestamps of a new record.
func prepareAppend(record *domain.JobRecord, now time.Time) {
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	if record.Status == "" {
		record.Status = domain.JobStatusReceived
	}
}

// MemoryJobRecordStore keeps records in memory for local development and tests.
type MemoryJobRecordStore struct {
	mu      sync.RWMutex
	records map[string]*domain.JobRecord
	now     func() time.Time
}

func NewMemoryJobRecordStore() *MemoryJobRecordStore {
	return &MemoryJobRecordStore{
		records: make(map[string]*domain.JobRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobRecordStore) Append(_ context.Context, record *domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepareAppend(record, s.now())
	if _, exists := s.records[record.ID]; exists {
		return ErrAlreadyExists
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *MemoryJobRecordStore) Get(_ context.Context, id string) (*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryJobRecordStore) Update(
	_ context.Context,
	id string,
	mutate func(record *domain.JobRecord) error,
) (*domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := current.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.ID = current.ID
	working.CreatedAt = current.CreatedAt
	working.UpdatedAt = s.now()
	s.records[id] = working
	return working.Clone(), nil
}

func (s *MemoryJobRecordStore) Page(
	_ context.Context,
	filter domain.JobRecordFilter,
) ([]*domain.JobRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter = filter.Normalize()
	items := make([]*domain.JobRecord, 0)
	for _, record := range s.records {
		if !filter.Matches(record) {
			continue
		}
		items = append(items, record.Clone())
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	total := len(items)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []*domain.JobRecord{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}

	return items[start:end], total, nil
}
