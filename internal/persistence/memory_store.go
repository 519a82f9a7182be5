package persistence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/deckflow/pkg/api"
)

// MemoryStore is a goroutine-safe implementation of every store interface
// backed by maps. Values are cloned on the way in and out so callers never
// share memory with the store.
type MemoryStore struct {
	mu sync.RWMutex

	runs  map[string]*api.Run
	idem  map[string]string
	order []string

	steps     map[string]map[string]*api.RunStep
	stepOrder map[string][]string

	events map[string][]api.RunEvent

	artifacts        map[string]*api.ArtifactVersion
	projectArtifacts map[string][]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:             make(map[string]*api.Run),
		idem:             make(map[string]string),
		steps:            make(map[string]map[string]*api.RunStep),
		stepOrder:        make(map[string][]string),
		events:           make(map[string][]api.RunEvent),
		artifacts:        make(map[string]*api.ArtifactVersion),
		projectArtifacts: make(map[string][]string),
	}
}

// NewMemoryPersistence returns a Persistence whose stores all share one
// MemoryStore.
func NewMemoryPersistence() Persistence {
	s := NewMemoryStore()
	return Persistence{Runs: s, Steps: s, Events: s, Artifacts: s}
}

var (
	_ RunStore      = (*MemoryStore)(nil)
	_ StepStore     = (*MemoryStore)(nil)
	_ EventStore    = (*MemoryStore)(nil)
	_ ArtifactStore = (*MemoryStore)(nil)
)

func idemKey(org, creator, key string) string {
	return org + "\x00" + creator + "\x00" + key
}

func (s *MemoryStore) CreateRun(_ context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrDuplicate
	}
	if run.IdempotencyKey != "" {
		k := idemKey(run.OrgID, run.CreatorID, run.IdempotencyKey)
		if _, ok := s.idem[k]; ok {
			return ErrDuplicate
		}
		s.idem[k] = run.ID
	}
	s.runs[run.ID] = run.Clone()
	s.order = append(s.order, run.ID)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Clone(), nil
}

func (s *MemoryStore) FindRunByIdempotencyKey(_ context.Context, orgID, creatorID, key string) (*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idem[idemKey(orgID, creatorID, key)]
	if !ok {
		return nil, ErrRunNotFound
	}
	return s.runs[id].Clone(), nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *api.Run, expectStatus api.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.runs[run.ID]
	if !ok {
		return ErrRunNotFound
	}
	if cur.Status != expectStatus || cur.Version != run.Version {
		return ErrConflict
	}
	run.Version++
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter api.RunFilter) ([]*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Run
	// Newest first.
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if filter.ProjectID != "" && run.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		result = append(result, run.Clone())
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateStep(_ context.Context, step *api.RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.steps[step.RunID]
	if !ok {
		byKey = make(map[string]*api.RunStep)
		s.steps[step.RunID] = byKey
	}
	if _, ok := byKey[step.StepKey]; ok {
		return ErrDuplicate
	}
	byKey[step.StepKey] = step.Clone()
	s.stepOrder[step.RunID] = append(s.stepOrder[step.RunID], step.StepKey)
	return nil
}

func (s *MemoryStore) GetStep(_ context.Context, runID, stepKey string) (*api.RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[runID][stepKey]
	if !ok {
		return nil, ErrStepNotFound
	}
	return step.Clone(), nil
}

func (s *MemoryStore) UpdateStep(_ context.Context, step *api.RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.steps[step.RunID][step.StepKey]
	if !ok {
		return ErrStepNotFound
	}
	if cur.Status.Final() {
		return ErrStepFinal
	}
	s.steps[step.RunID][step.StepKey] = step.Clone()
	return nil
}

func (s *MemoryStore) ListSteps(_ context.Context, runID string) ([]*api.RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.stepOrder[runID]
	result := make([]*api.RunStep, 0, len(keys))
	for _, k := range keys {
		result = append(result, s.steps[runID][k].Clone())
	}
	return result, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, runID string, typ api.EventType, payload json.RawMessage, at time.Time) (api.RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return api.RunEvent{}, ErrRunNotFound
	}
	ev := api.RunEvent{
		RunID:   runID,
		Seq:     int64(len(s.events[runID])),
		Type:    typ,
		Payload: append(json.RawMessage(nil), payload...),
		At:      at,
	}
	s.events[runID] = append(s.events[runID], ev)
	return ev, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, runID string, afterSeq int64, limit int) ([]api.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[runID]
	start := afterSeq + 1
	if start < 0 {
		start = 0
	}
	if start >= int64(len(all)) {
		return nil, nil
	}
	all = all[start:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return append([]api.RunEvent(nil), all...), nil
}

func (s *MemoryStore) CreateArtifact(_ context.Context, a *api.ArtifactVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[a.ID]; ok {
		return ErrDuplicate
	}
	a.Version = len(s.projectArtifacts[a.ProjectID]) + 1
	c := *a
	c.IR = append(json.RawMessage(nil), a.IR...)
	c.Plan = append(json.RawMessage(nil), a.Plan...)
	c.Issues = append(json.RawMessage(nil), a.Issues...)
	s.artifacts[a.ID] = &c
	s.projectArtifacts[a.ProjectID] = append(s.projectArtifacts[a.ProjectID], a.ID)
	return nil
}

func (s *MemoryStore) GetArtifact(_ context.Context, id string) (*api.ArtifactVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[id]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) ListArtifacts(_ context.Context, projectID string) ([]*api.ArtifactVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.projectArtifacts[projectID]
	result := make([]*api.ArtifactVersion, 0, len(ids))
	for _, id := range ids {
		c := *s.artifacts[id]
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version > result[j].Version })
	return result, nil
}
