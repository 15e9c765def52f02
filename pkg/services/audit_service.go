package services

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh-server/pkg/llm"
	"github.com/agentmesh/agentmesh-server/pkg/models"
	"github.com/agentmesh/agentmesh-server/pkg/prompts"
	"github.com/agentmesh/agentmesh-server/pkg/repositories"
)

const auditTemperature = 0.1

// auditVerdict mirrors the auditor model's JSON output.
type auditVerdict struct {
	IsSuccessful      bool     `json:"is_successful"`
	Feedback          string   `json:"feedback"`
	ReworkSuggestions []string `json:"rework_suggestions"`
	ConfidenceScore   float64  `json:"confidence_score"`
}

// AuditService runs the quality gate over completed workflows and, when the
// verdict fails, resets the workflow for rework.
type AuditService struct {
	db                  TxRunner
	gateway             *llm.Gateway
	workflows           repositories.WorkflowRepository
	tasks               repositories.TaskRepository
	results             repositories.ResultRepository
	reports             repositories.AuditReportRepository
	criteria            []string
	confidenceThreshold float64
	logger              *zap.Logger
}

// NewAuditService creates a new audit service. criteriaFile optionally
// overrides the default audit criteria; an empty path keeps the defaults.
func NewAuditService(
	db TxRunner,
	gateway *llm.Gateway,
	workflows repositories.WorkflowRepository,
	tasks repositories.TaskRepository,
	results repositories.ResultRepository,
	reports repositories.AuditReportRepository,
	criteriaFile string,
	confidenceThreshold float64,
	logger *zap.Logger,
) (*AuditService, error) {
	criteria, err := loadAuditCriteria(criteriaFile)
	if err != nil {
		return nil, err
	}
	return &AuditService{
		db:                  db,
		gateway:             gateway,
		workflows:           workflows,
		tasks:               tasks,
		results:             results,
		reports:             reports,
		criteria:            criteria,
		confidenceThreshold: confidenceThreshold,
		logger:              logger.Named("auditor"),
	}, nil
}

// loadAuditCriteria reads a YAML list of criteria strings, falling back to
// the built-in defaults when no file is configured.
func loadAuditCriteria(path string) ([]string, error) {
	if path == "" {
		return prompts.DefaultAuditCriteria, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit criteria file: %w", err)
	}
	var criteria []string
	if err := yaml.Unmarshal(raw, &criteria); err != nil {
		return nil, fmt.Errorf("failed to parse audit criteria file: %w", err)
	}
	if len(criteria) == 0 {
		return prompts.DefaultAuditCriteria, nil
	}
	return criteria, nil
}

// Run audits a completed workflow and persists the report. When the report
// fails the workflow, completed tasks are reset for rework and the workflow
// is returned to ACTIVE. Returns the saved report.
func (s *AuditService) Run(ctx context.Context, workflowID string) (*models.AuditReport, error) {
	taskResults, err := s.results.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load results for audit: %w", err)
	}

	histories := make([]models.RAHistory, 0, len(taskResults))
	reviewed := make([]string, 0, len(taskResults))
	for _, r := range taskResults {
		histories = append(histories, r.RAHistory)
		reviewed = append(reviewed, r.TaskID)
	}

	report := s.audit(ctx, workflowID, histories)
	report.WorkflowID = workflowID
	report.ReviewedTasks = reviewed
	report.AuditCriteria = s.criteria

	if err := s.reports.Save(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to save audit report: %w", err)
	}

	if !report.IsSuccessful {
		if err := s.triggerRework(ctx, workflowID, report); err != nil {
			return nil, err
		}
	}

	s.logger.Info("workflow audited",
		zap.String("workflow_id", workflowID),
		zap.Bool("is_successful", report.IsSuccessful),
		zap.Float64("confidence", report.ConfidenceScore))
	return report, nil
}

// audit obtains the model's verdict and applies the confidence floor. An
// LLM failure produces a synthetic failed report rather than an error so
// the workflow always ends up with an audit trail.
func (s *AuditService) audit(ctx context.Context, workflowID string, histories []models.RAHistory) *models.AuditReport {
	verdict, err := llm.GenerateStructured[auditVerdict](
		ctx, s.gateway,
		prompts.BuildAuditInput(workflowID, s.criteria, histories),
		prompts.BuildAuditSystemPrompt(s.criteria),
		prompts.AuditSchemaHint,
		auditTemperature,
	)
	if err != nil {
		s.logger.Error("audit call failed", zap.String("workflow_id", workflowID), zap.Error(err))
		return &models.AuditReport{
			IsSuccessful:    false,
			ConfidenceScore: 0.0,
			Feedback:        fmt.Sprintf("Audit process encountered an error: %v. Manual review required.", err),
			ReworkSuggestions: []string{
				"Review workflow execution for technical issues",
				"Ensure all tasks completed successfully",
				"Verify data integrity and completeness",
			},
		}
	}

	report := &models.AuditReport{
		IsSuccessful:      verdict.IsSuccessful,
		Feedback:          verdict.Feedback,
		ReworkSuggestions: verdict.ReworkSuggestions,
		ConfidenceScore:   verdict.ConfidenceScore,
	}

	// A pass below the confidence floor is not a pass.
	if report.IsSuccessful && report.ConfidenceScore < s.confidenceThreshold {
		report.IsSuccessful = false
		if !strings.Contains(strings.ToLower(report.Feedback), "low confidence") {
			report.Feedback += fmt.Sprintf(
				" NOTE: Marked unsuccessful due to low confidence score (%.2f < %.2f).",
				report.ConfidenceScore, s.confidenceThreshold)
		}
	}
	return report
}

// triggerRework resets completed tasks, reopens the workflow and records
// the audit's suggestions on the workflow metadata for the next round.
func (s *AuditService) triggerRework(ctx context.Context, workflowID string, report *models.AuditReport) error {
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.tasks.ResetForRework(ctx, workflowID); err != nil {
			return err
		}
		// Drop this round's results so the next audit only sees the redone
		// work.
		if _, err := s.results.DeleteByWorkflow(ctx, workflowID); err != nil {
			return err
		}
		if err := s.workflows.SetStatus(ctx, workflowID, models.WorkflowStateActive); err != nil {
			return err
		}
		return s.workflows.MergeMetadata(ctx, workflowID, map[string]interface{}{
			"rework_suggestions":  report.ReworkSuggestions,
			"last_audit_feedback": report.Feedback,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to reset workflow for rework: %w", err)
	}
	s.logger.Info("workflow reset for rework",
		zap.String("workflow_id", workflowID),
		zap.Strings("suggestions", report.ReworkSuggestions))
	return nil
}
