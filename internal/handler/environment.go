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
	"sort"
	"sync"
)

// Tool is one named capability exposed through the environment port.
type Tool interface {
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Agent is a named LLM persona exposed through the environment port.
type Agent interface {
	Invoke(ctx context.Context, prompt string, opts AgentOptions) (string, error)
}

// AgentOptions carries the optional knobs of an agent invocation.
type AgentOptions struct {
	System    string
	MaxTokens int
}

// Message is one turn of an inline chat exchange.
type Message struct {
	Role    string
	Content string
}

// LLM is the inline-chat surface of the environment port.
type LLM interface {
	Chat(ctx context.Context, messages []Message, maxTokens int) (string, error)
}

// Environment is the opaque handle through which handlers reach external
// capabilities. The engine never constructs tools or models itself.
type Environment interface {
	Tool(name string) (Tool, bool)
	ToolNames() []string
	Agent(name string) (Agent, bool)
	LLM() LLM
}

// MapEnvironment is a map-backed Environment for embedding callers and
// tests.
type MapEnvironment struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	agents map[string]Agent
	llm    LLM
}

// NewMapEnvironment creates an empty environment.
func NewMapEnvironment() *MapEnvironment {
	return &MapEnvironment{
		tools:  make(map[string]Tool),
		agents: make(map[string]Agent),
	}
}

// RegisterTool adds or replaces a named tool.
func (m *MapEnvironment) RegisterTool(name string, tool Tool) {
	m.mu.Lock()
	m.tools[name] = tool
	m.mu.Unlock()
}

// RegisterAgent adds or replaces a named agent.
func (m *MapEnvironment) RegisterAgent(name string, agent Agent) {
	m.mu.Lock()
	m.agents[name] = agent
	m.mu.Unlock()
}

// SetLLM sets the inline-chat backend.
func (m *MapEnvironment) SetLLM(llm LLM) {
	m.mu.Lock()
	m.llm = llm
	m.mu.Unlock()
}

func (m *MapEnvironment) Tool(name string) (Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tool, ok := m.tools[name]
	return tool, ok
}

func (m *MapEnvironment) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *MapEnvironment) Agent(name string) (Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[name]
	return agent, ok
}

func (m *MapEnvironment) LLM() LLM {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.llm
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

func (f ToolFunc) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return f(ctx, args)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, prompt string, opts AgentOptions) (string, error)

func (f AgentFunc) Invoke(ctx context.Context, prompt string, opts AgentOptions) (string, error) {
	return f(ctx, prompt, opts)
}

// LLMFunc adapts a function to the LLM interface.
type LLMFunc func(ctx context.Context, messages []Message, maxTokens int) (string, error)

func (f LLMFunc) Chat(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	return f(ctx, messages, maxTokens)
}
