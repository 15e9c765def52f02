package prompts

import (
	"fmt"
	"strings"

	"github.com/agentmesh/agentmesh-server/pkg/models"
)

// BuildSynthesisPrompt returns the prompt asking the model to merge all
// task results into the final deliverable.
func BuildSynthesisPrompt(workflowID string, results []models.RAHistory) string {
	var b strings.Builder
	b.WriteString("You are synthesizing the final deliverable for a completed multi-agent workflow.\n\n")
	b.WriteString(fmt.Sprintf("WORKFLOW ID: %s\n", workflowID))
	b.WriteString(fmt.Sprintf("TOTAL TASKS: %d\n\n", len(results)))
	b.WriteString("TASK RESULTS TO SYNTHESIZE:\n")

	for i, result := range results {
		b.WriteString(fmt.Sprintf("\nTASK %d (%s):\n", i+1, result.SourceAgent))
		b.WriteString(result.FinalResult)
		b.WriteString("\n\n---\n")
	}

	b.WriteString(`
Please create a comprehensive, well-organized final response that:
1. Integrates all task results coherently
2. Addresses the original user request completely
3. Presents information in a logical, professional format
4. Highlights key insights and recommendations
5. Provides clear, actionable conclusions

The response should be polished, complete, and ready for delivery to the end user.
`)
	return b.String()
}
