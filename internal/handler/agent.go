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

// agentHandler produces an LLM response either through a named agent on the
// environment port or through the port's inline chat surface.
type agentHandler struct{}

func (h *agentHandler) Execute(ctx context.Context, step *workflow.StepDefinition, ec *ExecContext) (map[string]interface{}, error) {
	prompt, err := resolveOptionalString(step.Prompt, ec)
	if err != nil {
		return nil, stepError(step, "prompt failed to resolve", err)
	}
	system, err := resolveOptionalString(step.System, ec)
	if err != nil {
		return nil, stepError(step, "system failed to resolve", err)
	}

	if ec.Env == nil {
		return nil, stepError(step, "no environment configured for agent execution", nil)
	}

	var response string
	if step.Agent != "" {
		agent, ok := ec.Env.Agent(step.Agent)
		if !ok {
			return nil, stepError(step, fmt.Sprintf("agent %q not found", step.Agent), nil)
		}
		response, err = agent.Invoke(ctx, prompt, AgentOptions{System: system, MaxTokens: step.MaxTokens})
	} else {
		llm := ec.Env.LLM()
		if llm == nil {
			return nil, stepError(step, "no llm configured for inline chat", nil)
		}
		var messages []Message
		if system != "" {
			messages = append(messages, Message{Role: "system", Content: system})
		}
		messages = append(messages, Message{Role: "user", Content: prompt})
		response, err = llm.Chat(ctx, messages, step.MaxTokens)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, stepError(step, fmt.Sprintf("agent invocation failed: %v", err), err)
	}

	return map[string]interface{}{"response": response}, nil
}
