// Package workspace manages per-project output directories: the request
// snapshot saved at plan time and the deliverables written after synthesis.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/models"
)

// Manager creates and fills project directories under a configured root.
type Manager struct {
	root   string
	logger *zap.Logger
}

// NewManager creates a workspace manager rooted at root.
func NewManager(root string, logger *zap.Logger) *Manager {
	return &Manager{root: root, logger: logger.Named("workspace")}
}

// SanitizeName makes a project name safe for use in paths and filenames.
func SanitizeName(name string) string {
	if name == "" {
		return "Untitled"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == ' ', r == '-':
			b.WriteByte('_')
		case r == '_' || r == '.':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), "_.")
	if out == "" {
		return "Untitled"
	}
	if len(out) > 50 {
		out = out[:50]
	}
	return out
}

// ProjectDir creates (if needed) and returns the project directory
// <root>/<PID>_<name> with the standard src/ and tests/ subfolders.
func (m *Manager) ProjectDir(projectID, projectName string) (string, error) {
	dir := filepath.Join(m.root, fmt.Sprintf("%s_%s", projectID, SanitizeName(projectName)))
	for _, sub := range []string{"", "src", "tests"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("failed to create project directory: %w", err)
		}
	}
	return dir, nil
}

// SaveRequest writes the original user request next to the deliverables so
// the project folder is self-describing.
func (m *Manager) SaveRequest(projectDir, workflowID, projectName, userRequest string, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	payload := map[string]interface{}{
		"user_request": userRequest,
		"metadata":     metadata,
		"workflow_id":  workflowID,
		"submitted_at": time.Now().Format(time.RFC3339),
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	path := filepath.Join(projectDir, SanitizeName(projectName)+"_request.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write request file: %w", err)
	}
	m.logger.Info("saved workflow request", zap.String("path", path))
	return nil
}

// SaveResults writes the synthesized deliverable, one markdown file per
// task result under src/, and a machine-readable workflow summary.
func (m *Manager) SaveResults(projectDir, workflowID string, results []models.RAHistory, finalOutput string) error {
	if err := os.WriteFile(filepath.Join(projectDir, "FINAL_OUTPUT.md"), []byte(finalOutput), 0o644); err != nil {
		return fmt.Errorf("failed to write final output: %w", err)
	}

	srcDir := filepath.Join(projectDir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return fmt.Errorf("failed to create src directory: %w", err)
	}

	for i, result := range results {
		var b strings.Builder
		b.WriteString(fmt.Sprintf("# Task Result: %s\n\n", result.SourceAgent))
		b.WriteString(fmt.Sprintf("## Execution Time\n%.2f seconds\n\n", result.ExecutionTime))
		b.WriteString("## Reasoning & Actions\n")
		for j, iteration := range result.Iterations {
			b.WriteString(fmt.Sprintf("\n### Iteration %d\n", j+1))
			b.WriteString(fmt.Sprintf("**Thought:** %s\n\n", iteration.Thought))
			b.WriteString(fmt.Sprintf("**Action:** %s\n\n", iteration.Action))
			b.WriteString(fmt.Sprintf("**Observation:** %s\n\n", iteration.Observation))
		}
		b.WriteString(fmt.Sprintf("\n## Final Result\n\n%s\n", result.FinalResult))

		path := filepath.Join(srcDir, fmt.Sprintf("task_%d_%s.md", i+1, result.SourceAgent))
		if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
			return fmt.Errorf("failed to write task result: %w", err)
		}
	}

	summary := buildSummary(workflowID, results)
	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, "workflow_summary.json"), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write workflow summary: %w", err)
	}

	m.logger.Info("saved workflow results",
		zap.String("workflow_id", workflowID),
		zap.String("path", projectDir),
		zap.Int("tasks", len(results)))
	return nil
}

func buildSummary(workflowID string, results []models.RAHistory) map[string]interface{} {
	totalTime := 0.0
	byAgent := map[string]int{}
	for _, r := range results {
		totalTime += r.ExecutionTime
		byAgent[r.SourceAgent]++
	}

	agents := make([]string, 0, len(byAgent))
	for agent := range byAgent {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	return map[string]interface{}{
		"workflow_id":          workflowID,
		"created_at":           time.Now().Format(time.RFC3339),
		"total_tasks":          len(results),
		"total_execution_time": totalTime,
		"agents_used":          agents,
		"task_count_by_agent":  byAgent,
	}
}
