// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides the reference implementations of the run store
// port: an in-memory store for tests and single-process embedding, and a
// SQLite store with optional encryption of secret inputs.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tombee/cascade/internal/run"
	"github.com/tombee/cascade/pkg/errors"
)

// MemoryStore keeps runs in a map. Deep copies cross the boundary in both
// directions so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*run.Run
	secrets map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*run.Run),
		secrets: make(map[string][]string),
	}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }

func (s *MemoryStore) SaveRun(ctx context.Context, r *run.Run) error {
	s.mu.Lock()
	s.runs[r.ID] = r.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadRun(ctx context.Context, runID string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return r.Clone(), nil
}

func (s *MemoryStore) LoadAllRuns(ctx context.Context, workflowID string) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*run.Run
	for _, r := range s.runs {
		if workflowID == "" || r.WorkflowID == workflowID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) LoadActiveRuns(ctx context.Context) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*run.Run
	for _, r := range s.runs {
		if r.Status.Active() {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; !ok {
		return &errors.NotFoundError{Resource: "run", ID: r.ID}
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	delete(s.runs, runID)
	return nil
}

func (s *MemoryStore) SetWorkflowSecrets(workflowID string, names []string) {
	s.mu.Lock()
	s.secrets[workflowID] = append([]string(nil), names...)
	s.mu.Unlock()
}

func (s *MemoryStore) Close() error { return nil }

var _ run.Store = (*MemoryStore)(nil)
