package prompts

import (
	"fmt"
	"strings"

	"github.com/agentmesh/agentmesh-server/pkg/models"
)

// DefaultAuditCriteria are the quality gates applied when no override file
// is configured.
var DefaultAuditCriteria = []string{
	"Completeness: All task requirements are fully addressed",
	"Accuracy: Information and conclusions are factually correct",
	"Clarity: Content is clear, well-organized, and easy to understand",
	"Relevance: All content directly relates to the original request",
	"Quality: Work demonstrates professionalism and attention to detail",
	"Consistency: Style and approach are consistent throughout",
	"Actionability: Deliverables are practical and implementable",
}

// AuditSchemaHint describes the JSON the auditor must return.
const AuditSchemaHint = `{
  "is_successful": true,
  "feedback": "Detailed evaluation with specific examples",
  "rework_suggestions": ["Specific actionable improvements"],
  "confidence_score": 0.0
}`

// BuildAuditSystemPrompt returns the system prompt for the quality audit
// of a completed workflow.
func BuildAuditSystemPrompt(criteria []string) string {
	var b strings.Builder
	b.WriteString("You are QualityAuditor, a rigorous quality auditor in a multi-agent coordination system.\n\n")
	b.WriteString("Your role is CRITICAL: You are the final quality gate that determines whether completed work meets professional standards. You must be thorough, objective, and uncompromising in your evaluation.\n\n")

	b.WriteString("QUALITY CRITERIA:\n")
	for _, criterion := range criteria {
		b.WriteString("- ")
		b.WriteString(criterion)
		b.WriteString("\n")
	}

	b.WriteString(`
AUDIT PROCESS:
1. Examine the original request and requirements
2. Review each task's execution history and final results
3. Evaluate against each quality criterion
4. Identify specific issues and improvement opportunities
5. Determine overall quality assessment with confidence score
6. Provide detailed, actionable feedback

CRITICAL STANDARDS:
- Be objective and evidence-based in your evaluation
- Point out specific examples of both strengths and weaknesses
- Provide concrete, actionable improvement suggestions
- Consider the end user's perspective and needs
- Maintain high professional standards throughout
`)
	return b.String()
}

// BuildAuditInput compiles the workflow's execution histories into the user
// message for an audit call. Iteration traces go in verbatim so the auditor
// sees how each result was produced, not just what it says.
func BuildAuditInput(workflowID string, criteria []string, results []models.RAHistory) string {
	var b strings.Builder
	b.WriteString("WORKFLOW AUDIT REQUEST\n")
	b.WriteString(fmt.Sprintf("Workflow ID: %s\n", workflowID))
	b.WriteString(fmt.Sprintf("Total Tasks: %d\n\n", len(results)))

	b.WriteString("QUALITY CRITERIA TO EVALUATE:\n")
	for i, criterion := range criteria {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, criterion))
	}

	b.WriteString("\nCOMPLETED TASK RESULTS FOR REVIEW:\n\n")
	for i, result := range results {
		b.WriteString(fmt.Sprintf("TASK %d:\n", i+1))
		b.WriteString(fmt.Sprintf("  Agent: %s\n", result.SourceAgent))
		b.WriteString(fmt.Sprintf("  Client: %s\n", result.ClientID))
		b.WriteString(fmt.Sprintf("  Execution Time: %.2fs\n", result.ExecutionTime))
		b.WriteString(fmt.Sprintf("  Iterations: %d\n\n", len(result.Iterations)))

		b.WriteString("  EXECUTION HISTORY:\n")
		for j, iteration := range result.Iterations {
			b.WriteString(fmt.Sprintf("    Iteration %d:\n", j+1))
			b.WriteString(fmt.Sprintf("      Thought: %s\n", iteration.Thought))
			b.WriteString(fmt.Sprintf("      Action: %s\n", iteration.Action))
			if iteration.Observation != "" {
				b.WriteString(fmt.Sprintf("      Observation: %s\n", iteration.Observation))
			}
		}

		b.WriteString("\n  FINAL RESULT:\n")
		b.WriteString("  " + result.FinalResult + "\n\n")
		b.WriteString("  " + strings.Repeat("-", 80) + "\n\n")
	}

	b.WriteString("Evaluate this workflow against every criterion and return your audit verdict.\n")
	return b.String()
}
