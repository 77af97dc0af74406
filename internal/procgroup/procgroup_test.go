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

//go:build unix

package procgroup

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tracker := NewTracker()
	assert.Equal(t, 0, tracker.Live())

	cmd := exec.Command("sleep", "0.1")
	tracker.Configure(cmd)
	require.NoError(t, cmd.Start())
	tracker.Track(cmd)
	assert.Equal(t, 1, tracker.Live())

	require.NoError(t, cmd.Wait())
	tracker.Release(cmd)
	assert.Equal(t, 0, tracker.Live())
}

func TestTrackerKillsProcessTree(t *testing.T) {
	tracker := NewTracker()

	// The shell forks a grandchild; killing the group must reach it.
	cmd := exec.Command("sh", "-c", "sleep 30 & wait")
	tracker.Configure(cmd)
	require.NoError(t, cmd.Start())
	tracker.Track(cmd)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	tracker.Kill(cmd)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("process group survived kill")
	}
	assert.Equal(t, 0, tracker.Live())
}

func TestTrackerShutdown(t *testing.T) {
	tracker := NewTracker()

	var cmds []*exec.Cmd
	for i := 0; i < 3; i++ {
		cmd := exec.Command("sleep", "30")
		tracker.Configure(cmd)
		require.NoError(t, cmd.Start())
		tracker.Track(cmd)
		cmds = append(cmds, cmd)
	}
	assert.Equal(t, 3, tracker.Live())

	tracker.Shutdown()
	assert.Equal(t, 0, tracker.Live())

	for _, cmd := range cmds {
		err := cmd.Wait()
		assert.Error(t, err)
	}
}

func TestTrackerIgnoresUnstarted(t *testing.T) {
	tracker := NewTracker()
	cmd := exec.Command("true")

	tracker.Track(cmd)
	tracker.Release(cmd)
	tracker.Kill(cmd)
	assert.Equal(t, 0, tracker.Live())
}
