package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/communitymedia/captiond/internal/model"
)

// MemoryStore is an in-memory Store intended for tests and local iteration.
// Not durable; not suitable for production.
type MemoryStore struct {
	mu sync.RWMutex

	jobs   map[string]*model.Job
	fps    map[string]string // fingerprint -> active job id
	runs   map[string]*model.PipelineRun
	sched  map[string]time.Time
	leases map[string]leaseState
}

type leaseState struct {
	owner string
	exp   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*model.Job),
		fps:    make(map[string]string),
		runs:   make(map[string]*model.PipelineRun),
		sched:  make(map[string]time.Time),
		leases: make(map[string]leaseState),
	}
}

func (m *MemoryStore) Close() error { return nil }

func cloneJob(j *model.Job) *model.Job {
	buf, _ := json.Marshal(j)
	var out model.Job
	_ = json.Unmarshal(buf, &out)
	return &out
}

func cloneRun(r *model.PipelineRun) *model.PipelineRun {
	buf, _ := json.Marshal(r)
	var out model.PipelineRun
	_ = json.Unmarshal(buf, &out)
	return &out
}

// --- Jobs ---

func (m *MemoryStore) CreateJob(ctx context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.Fingerprint != "" {
		if holder, ok := m.fps[j.Fingerprint]; ok {
			return &DuplicateError{Fingerprint: j.Fingerprint, ExistingJobID: holder}
		}
		m.fps[j.Fingerprint] = j.JobID
	}
	m.jobs[j.JobID] = cloneJob(j)
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cloneJob(cur)
	wasTerminal := next.State.IsTerminal()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	m.jobs[id] = next
	if !wasTerminal && next.State.IsTerminal() && next.Fingerprint != "" {
		if m.fps[next.Fingerprint] == id {
			delete(m.fps, next.Fingerprint)
		}
	}
	return cloneJob(next), nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []*model.Job
	for _, j := range m.jobs {
		if filter.matches(j) {
			list = append(list, cloneJob(j))
		}
	}
	return list, nil
}

func (m *MemoryStore) ActiveJobByFingerprint(ctx context.Context, fp string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.fps[fp]
	return id, ok, nil
}

// --- Pipeline runs ---

func (m *MemoryStore) GetRun(ctx context.Context, fingerprint string) (*model.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

func (m *MemoryStore) PutRun(ctx context.Context, r *model.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.UpdatedAt = time.Now().UTC()
	m.runs[r.Recording.Fingerprint] = cloneRun(r)
	return nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, fingerprint string, fn func(*model.PipelineRun) error) (*model.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	next := cloneRun(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	m.runs[fingerprint] = next
	return cloneRun(next), nil
}

// --- Scheduler marks ---

func (m *MemoryStore) LastFired(ctx context.Context, template string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.sched[template]
	return t, ok, nil
}

func (m *MemoryStore) SetLastFired(ctx context.Context, template string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sched[template] = t
	return nil
}

// --- Leases ---

func (m *MemoryStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.leases[key]
	if ok && now.After(ls.exp) {
		delete(m.leases, key)
		ok = false
	}
	if ok && ls.owner != owner {
		return false, nil
	}
	m.leases[key] = leaseState{owner: owner, exp: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.leases[key]
	if !ok || ls.owner != owner || now.After(ls.exp) {
		return false, nil
	}
	ls.exp = now.Add(ttl)
	m.leases[key] = ls
	return true, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ls, ok := m.leases[key]; ok && ls.owner == owner {
		delete(m.leases, key)
	}
	return nil
}
