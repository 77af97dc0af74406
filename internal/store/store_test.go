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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/internal/run"
	"github.com/tombee/cascade/pkg/errors"
)

func sampleRun(id string) *run.Run {
	started := time.Date(2026, 2, 3, 10, 0, 0, 123456789, time.UTC)
	return &run.Run{
		ID:         id,
		WorkflowID: "deploy",
		Status:     run.StatusRunning,
		Inputs: map[string]interface{}{
			"target":   "prod",
			"password": "hunter2-hunter2",
		},
		StepResults: map[string]run.StepRecord{
			"build": {
				Status:      run.StepSuccess,
				Output:      map[string]interface{}{"stdout": "ok", "exitCode": 0.0},
				StartedAt:   started,
				CompletedAt: started.Add(time.Second),
			},
		},
		StartedAt: started,
	}
}

// storeUnderTest runs the shared port contract against both implementations.
func storesUnderTest(t *testing.T) map[string]run.Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "runs.db"),
		WAL:  true,
	})
	require.NoError(t, err)
	require.NoError(t, sqlite.Init(context.Background()))
	t.Cleanup(func() { sqlite.Close() })

	return map[string]run.Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreRoundtrip(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := sampleRun("run-1")
			require.NoError(t, s.SaveRun(ctx, r))

			loaded, err := s.LoadRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, r.ID, loaded.ID)
			assert.Equal(t, r.WorkflowID, loaded.WorkflowID)
			assert.Equal(t, r.Status, loaded.Status)
			assert.Equal(t, r.Inputs, loaded.Inputs)
			assert.Equal(t, run.StepSuccess, loaded.StepResults["build"].Status)
			assert.Equal(t, "ok", loaded.StepResults["build"].Output["stdout"])
			assert.True(t, r.StartedAt.Equal(loaded.StartedAt))
			assert.Nil(t, loaded.CompletedAt)
		})
	}
}

func TestStoreUpdate(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := sampleRun("run-1")
			require.NoError(t, s.SaveRun(ctx, r))

			done := r.StartedAt.Add(time.Minute)
			r.Status = run.StatusCompleted
			r.CompletedAt = &done
			require.NoError(t, s.UpdateRun(ctx, r))

			loaded, err := s.LoadRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, run.StatusCompleted, loaded.Status)
			require.NotNil(t, loaded.CompletedAt)
			assert.True(t, done.Equal(*loaded.CompletedAt))

			// Updating a run that was never saved fails.
			ghost := sampleRun("ghost")
			err = s.UpdateRun(ctx, ghost)
			var nf *errors.NotFoundError
			assert.True(t, errors.As(err, &nf))
		})
	}
}

func TestStoreLoadMissing(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.LoadRun(context.Background(), "nope")
			var nf *errors.NotFoundError
			require.True(t, errors.As(err, &nf))
			assert.Equal(t, "run", nf.Resource)
		})
	}
}

func TestStoreLoadAllAndActive(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first := sampleRun("run-1")
			second := sampleRun("run-2")
			second.WorkflowID = "other"
			second.StartedAt = first.StartedAt.Add(time.Hour)
			done := second.StartedAt.Add(time.Minute)
			second.Status = run.StatusCompleted
			second.CompletedAt = &done
			third := sampleRun("run-3")
			third.StartedAt = first.StartedAt.Add(2 * time.Hour)
			third.Status = run.StatusSuspended
			third.CurrentStepID = "approve"
			third.SuspendedData = map[string]interface{}{"message": "ok?"}

			require.NoError(t, s.SaveRun(ctx, first))
			require.NoError(t, s.SaveRun(ctx, second))
			require.NoError(t, s.SaveRun(ctx, third))

			all, err := s.LoadAllRuns(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
			assert.Equal(t, "run-1", all[0].ID)
			assert.Equal(t, "run-3", all[2].ID)

			deploys, err := s.LoadAllRuns(ctx, "deploy")
			require.NoError(t, err)
			assert.Len(t, deploys, 2)

			active, err := s.LoadActiveRuns(ctx)
			require.NoError(t, err)
			require.Len(t, active, 2)
			for _, r := range active {
				assert.True(t, r.Status.Active())
			}

			suspended := active[1]
			assert.Equal(t, "approve", suspended.CurrentStepID)
			assert.Equal(t, map[string]interface{}{"message": "ok?"}, suspended.SuspendedData)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveRun(ctx, sampleRun("run-1")))
			require.NoError(t, s.DeleteRun(ctx, "run-1"))

			_, err := s.LoadRun(ctx, "run-1")
			assert.Error(t, err)
		})
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	r := sampleRun("run-1")
	require.NoError(t, s.SaveRun(ctx, r))

	// Mutations after save must not reach the stored copy.
	r.Inputs["target"] = "mutated"

	loaded, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "prod", loaded.Inputs["target"])

	// Mutations of a loaded copy must not reach the store.
	loaded.Inputs["target"] = "mutated-again"
	reloaded, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "prod", reloaded.Inputs["target"])
}
