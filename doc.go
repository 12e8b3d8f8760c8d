// Package swarm orchestrates LLM agents, tools and workflows behind one
// request pipeline, and drives planned multi-step tasks with a
// plan, execute, observe, decide loop.
//
// The package supports:
//   - Agent runs against OpenAI chat models with tool calling and handoffs
//   - A unified Request/Reply pipeline with interceptors for recovery,
//     logging, tracing, security, rate limiting, caching, timeouts, retries
//     and conversation memory
//   - YAML workflows with sequential and parallel steps
//   - Task briefs planned into versioned action DAGs, patched with an audit trail
//   - CEL pre/postconditions and validators on every action
//   - Budget and confidence policies with S1 to S4 escalation routing
//
// Key Components:
//   - Agent: An AI agent with instructions, tools and capability tags
//   - Pipeline: The interceptor chain in front of a UnifiedExecutor
//   - Registry: The agents, tools and workflows available to a run
//   - Workflow: A declarative sequence of agent, tool and workflow steps
//   - Coordinator: Plans a TaskBrief and runs it to completion or escalation
//   - Controller: Judges each Observation into a Decision
//   - Patcher: Applies PlanPatches with optimistic versioning
//   - Context: Carries the run's event stream and live status
package swarm
