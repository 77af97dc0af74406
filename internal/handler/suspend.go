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
	"fmt"

	"github.com/tombee/cascade/pkg/workflow"
)

// suspendHandler yields control back to the coordinator. On the resume pass
// the handler validates the payload against resumeSchema and becomes the
// step's output.
type suspendHandler struct{}

func (h *suspendHandler) Execute(ctx context.Context, step *workflow.StepDefinition, ec *ExecContext) (map[string]interface{}, error) {
	if ec.ResumeStepID == step.ID {
		if ec.ResumeData == nil {
			if len(step.ResumeSchema) > 0 {
				return nil, stepError(step,
					fmt.Sprintf("resume data must be a mapping with keys: %v", step.ResumeSchema), nil)
			}
			return map[string]interface{}{"resumed": true}, nil
		}
		for _, key := range step.ResumeSchema {
			if _, ok := ec.ResumeData[key]; !ok {
				return nil, stepError(step, fmt.Sprintf("resume data missing required key %q", key), nil)
			}
		}
		return map[string]interface{}{
			"resumed": true,
			"data":    workflow.NormalizeValue(ec.ResumeData),
		}, nil
	}

	message, err := resolveOptionalString(step.Message, ec)
	if err != nil {
		return nil, stepError(step, "message failed to resolve", err)
	}
	return nil, &SuspendSignal{
		StepID:       step.ID,
		Message:      message,
		ResumeSchema: step.ResumeSchema,
	}
}
