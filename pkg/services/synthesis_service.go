package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/llm"
	"github.com/agentmesh/agentmesh-server/pkg/models"
	"github.com/agentmesh/agentmesh-server/pkg/prompts"
	"github.com/agentmesh/agentmesh-server/pkg/workspace"
)

const synthesisTemperature = 0.3

// SynthesisService merges task results into the final deliverable and
// writes the project artifacts.
type SynthesisService struct {
	gateway   *llm.Gateway
	workspace *workspace.Manager
	logger    *zap.Logger
}

// NewSynthesisService creates a new synthesis service.
func NewSynthesisService(gateway *llm.Gateway, ws *workspace.Manager, logger *zap.Logger) *SynthesisService {
	return &SynthesisService{
		gateway:   gateway,
		workspace: ws,
		logger:    logger.Named("synthesizer"),
	}
}

// Synthesize produces the final output for a completed workflow. If the
// model call fails the results are concatenated instead, so a deliverable
// always exists.
func (s *SynthesisService) Synthesize(ctx context.Context, workflowID string, results []models.RAHistory) string {
	if len(results) == 0 {
		return "No task results were produced for this workflow."
	}

	output, err := s.gateway.Generate(ctx,
		prompts.BuildSynthesisPrompt(workflowID, results), "", synthesisTemperature)
	if err != nil || strings.TrimSpace(output) == "" {
		s.logger.Warn("synthesis call failed, concatenating results",
			zap.String("workflow_id", workflowID), zap.Error(err))
		return concatenateResults(results)
	}
	return output
}

// SynthesizeAndSave synthesizes the deliverable and, when the workflow has
// a project directory, writes the artifacts there.
func (s *SynthesisService) SynthesizeAndSave(ctx context.Context, workflowID, projectDir string, results []models.RAHistory) (string, error) {
	output := s.Synthesize(ctx, workflowID, results)
	if projectDir == "" {
		return output, nil
	}
	if err := s.workspace.SaveResults(projectDir, workflowID, results, output); err != nil {
		return output, fmt.Errorf("failed to save workflow artifacts: %w", err)
	}
	return output, nil
}

func concatenateResults(results []models.RAHistory) string {
	var b strings.Builder
	b.WriteString("# Workflow Results\n")
	for i, result := range results {
		b.WriteString(fmt.Sprintf("\n## Task %d (%s)\n\n", i+1, result.SourceAgent))
		b.WriteString(result.FinalResult)
		b.WriteString("\n")
	}
	return b.String()
}
