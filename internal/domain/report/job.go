// Package report renders billing statistics as xlsx workbooks, stores them in
// object storage and tracks each export as a job.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clinic/clinic/pkg/apperr"
)

type Kind string

const (
	KindRevenue     Kind = "revenue"
	KindPatientCost Kind = "patient_cost"
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobReady   JobStatus = "ready"
	JobFailed  JobStatus = "failed"
)

// Job is one export request and its outcome.
type Job struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	ActorID   string            `json:"actor_id"`
	Params    map[string]string `json:"params"`
	Status    JobStatus         `json:"status"`
	Progress  int               `json:"progress"`
	FileKey   string            `json:"file_key,omitempty"`
	URL       string            `json:"url,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// JobStore keeps job state for a limited time.
type JobStore interface {
	Save(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	ListByActor(ctx context.Context, actorID string) ([]*Job, error)
}

// RedisJobStore stores each job as JSON under its own key and indexes job
// ids per actor in a set. Both expire after ttl.
type RedisJobStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisJobStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisJobStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "clinic"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisJobStore{client: client, prefix: p + ":report", ttl: ttl}
}

func (s *RedisJobStore) jobKey(id string) string       { return s.prefix + ":job:" + id }
func (s *RedisJobStore) actorKey(actor string) string { return s.prefix + ":actor:" + actor }

func (s *RedisJobStore) Save(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jobKey(j.ID), data, s.ttl)
	pipe.SAdd(ctx, s.actorKey(j.ActorID), j.ID)
	pipe.Expire(ctx, s.actorKey(j.ActorID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Unavailable("save report job", err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("report", id)
	}
	if err != nil {
		return nil, apperr.Unavailable("get report job", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

// ListByActor skips ids whose job has already expired.
func (s *RedisJobStore) ListByActor(ctx context.Context, actorID string) ([]*Job, error) {
	ids, err := s.client.SMembers(ctx, s.actorKey(actorID)).Result()
	if err != nil {
		return nil, apperr.Unavailable("list report jobs", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if apperr.IsDomain(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	sortNewestFirst(jobs)
	return jobs, nil
}

func sortNewestFirst(jobs []*Job) {
	slices.SortFunc(jobs, func(a, b *Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
}

// MemoryJobStore keeps jobs in process. Used when Redis is not configured.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]Job)}
}

func (s *MemoryJobStore) Save(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = *j
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperr.NotFound("report", id)
	}
	return &j, nil
}

func (s *MemoryJobStore) ListByActor(_ context.Context, actorID string) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*Job
	for _, j := range s.jobs {
		if j.ActorID == actorID {
			cp := j
			jobs = append(jobs, &cp)
		}
	}
	sortNewestFirst(jobs)
	return jobs, nil
}
