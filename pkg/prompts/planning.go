// Package prompts builds the system and user prompts for planning, audit
// and synthesis calls.
package prompts

import (
	"fmt"
	"sort"
	"strings"
)

// AgentCapabilities maps each worker role to what it is good at. The list
// feeds the planning prompt so the model assigns work sensibly.
var AgentCapabilities = map[string][]string{
	"researcher": {"research", "information gathering", "fact checking", "data collection"},
	"writer":     {"writing", "content creation", "editing", "documentation"},
	"analyst":    {"analysis", "evaluation", "data processing", "insights", "review", "quality control"},
	"developer":  {"software development", "coding", "implementation", "programming"},
	"tester":     {"testing", "quality assurance", "validation", "debugging"},
	"architect":  {"system design", "architecture", "technical planning", "infrastructure", "planning", "strategy"},
}

// PlanningSchemaHint describes the JSON the planner must return.
const PlanningSchemaHint = `{
  "workflow_name": "concise workflow name (3-6 words)",
  "tasks": [
    {
      "step_id": "unique_step_id",
      "task_name": "concise task name (2-5 words)",
      "task_description": "Clear, specific task description",
      "assigned_agent": "agent_type",
      "dependencies": ["list_of_step_ids_that_must_complete_first"]
    }
  ],
  "metadata": {
    "complexity": "low|medium|high",
    "estimated_duration": "time_estimate",
    "priority": "normal|high|urgent",
    "project_name": "optional_project_name"
  }
}`

// BuildPlanningSystemPrompt returns the system prompt for breaking a user
// request into a dependency-ordered task graph.
func BuildPlanningSystemPrompt() string {
	roles := make([]string, 0, len(AgentCapabilities))
	for role := range AgentCapabilities {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	var b strings.Builder
	b.WriteString("You are an expert workflow planner in a multi-agent coordination system.\n\n")
	b.WriteString("Your role is to break down complex user requests into executable tasks with proper dependencies and agent assignments.\n\n")

	b.WriteString("AVAILABLE AGENT TYPES AND CAPABILITIES:\n")
	for _, role := range roles {
		b.WriteString(fmt.Sprintf("- %s: %s\n", role, strings.Join(AgentCapabilities[role], ", ")))
	}

	b.WriteString(`
PLANNING PRINCIPLES:
1. Break complex requests into manageable, specific tasks
2. Identify dependencies between tasks (some tasks must complete before others can start)
3. Assign appropriate agent types based on task requirements
4. Ensure logical flow and proper sequencing
5. Create clear, actionable task descriptions
6. Consider parallel execution opportunities

TASK ASSIGNMENT GUIDELINES:
- Use "researcher" for gathering requirements, specifications, defining project needs
- Use "writer" for creating documentation, README files, user guides
- Use "analyst" for code review, quality assurance, final validation, testing analysis
- Use "developer" for implementing source code, writing actual program files
- Use "tester" for creating test suites, test cases, quality assurance testing
- Use "architect" for system design, planning project structure, technical architecture

CRITICAL: You MUST ONLY use these 6 agent types. DO NOT invent new agent types.
For review/quality control tasks, use "analyst". For planning/coordination, use "architect".

IMPORTANT:
- Each task should be specific and actionable
- Dependencies must reference valid step_ids from other tasks
- Tasks with no dependencies can start immediately
- Use clear, descriptive step_ids (e.g., "research_market_analysis", "write_executive_summary")
- Ensure proper logical flow from research to analysis to creation to review
`)
	return b.String()
}

// BuildPlanningInput returns the user message for a planning call.
func BuildPlanningInput(userRequest string, metadata map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("USER REQUEST:\n")
	b.WriteString(userRequest)
	b.WriteString("\n")

	if len(metadata) > 0 {
		b.WriteString("\nADDITIONAL CONTEXT:\n")
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("- %s: %v\n", k, metadata[k]))
		}
	}

	b.WriteString("\nCreate the task graph for this request.\n")
	return b.String()
}
