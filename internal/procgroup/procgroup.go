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

// Package procgroup tracks the child processes spawned by shell steps so
// that a cancelled or timed-out step can take its whole process tree down
// with it, and so engine shutdown leaves no orphans behind.
package procgroup

import (
	"os/exec"
	"sync"
	"time"
)

// killGrace is how long a terminated group gets to exit cleanly before the
// hard kill.
const killGrace = 5 * time.Second

// Tracker is the live set of process groups started by step handlers.
type Tracker struct {
	mu     sync.Mutex
	groups map[int]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{groups: make(map[int]struct{})}
}

// Configure puts the command in its own process group so Kill can signal the
// command and every process it forked. Call before cmd.Start.
func (t *Tracker) Configure(cmd *exec.Cmd) {
	setProcessGroup(cmd)
}

// Track records a started command's process group. Call after cmd.Start.
func (t *Tracker) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	t.mu.Lock()
	t.groups[cmd.Process.Pid] = struct{}{}
	t.mu.Unlock()
}

// Release removes a finished command from the live set. Call after cmd.Wait.
func (t *Tracker) Release(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	t.mu.Lock()
	delete(t.groups, cmd.Process.Pid)
	t.mu.Unlock()
}

// Kill terminates the command's whole process group: SIGTERM first, then
// SIGKILL after the grace period if the group is still alive.
func (t *Tracker) Kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	killProcessGroup(cmd.Process.Pid, killGrace)
	t.Release(cmd)
}

// Live returns the number of tracked process groups.
func (t *Tracker) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups)
}

// Shutdown kills every tracked process group. Used when the engine stops
// while shell steps are still running.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	pids := make([]int, 0, len(t.groups))
	for pid := range t.groups {
		pids = append(pids, pid)
	}
	t.groups = make(map[int]struct{})
	t.mu.Unlock()

	for _, pid := range pids {
		killProcessGroup(pid, killGrace)
	}
}
