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

package handler

import (
	"context"
	"time"

	"github.com/tombee/cascade/pkg/workflow"
)

// waitHandler delays for durationMs, unblocking early on cancellation.
type waitHandler struct{}

func (h *waitHandler) Execute(ctx context.Context, step *workflow.StepDefinition, ec *ExecContext) (map[string]interface{}, error) {
	timer := time.NewTimer(time.Duration(step.DurationMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]interface{}{
			"completed":  true,
			"durationMs": float64(step.DurationMs),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
