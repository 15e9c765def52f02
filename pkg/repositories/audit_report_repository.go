package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh-server/pkg/database"
	"github.com/agentmesh/agentmesh-server/pkg/models"
)

// AuditReportRepository defines data access for workflow audit reports.
type AuditReportRepository interface {
	Save(ctx context.Context, report *models.AuditReport) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.AuditReport, error)
}

type auditReportRepository struct {
	db *database.DB
}

// NewAuditReportRepository creates a new audit report repository.
func NewAuditReportRepository(db *database.DB) AuditReportRepository {
	return &auditReportRepository{db: db}
}

// Save inserts an audit report row.
func (r *auditReportRepository) Save(ctx context.Context, report *models.AuditReport) error {
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}
	if report.ReworkSuggestions == nil {
		report.ReworkSuggestions = []string{}
	}
	if report.ReviewedTasks == nil {
		report.ReviewedTasks = []string{}
	}
	if report.AuditCriteria == nil {
		report.AuditCriteria = []string{}
	}

	suggestions, err := json.Marshal(report.ReworkSuggestions)
	if err != nil {
		return fmt.Errorf("failed to marshal rework suggestions: %w", err)
	}
	reviewed, err := json.Marshal(report.ReviewedTasks)
	if err != nil {
		return fmt.Errorf("failed to marshal reviewed tasks: %w", err)
	}
	criteria, err := json.Marshal(report.AuditCriteria)
	if err != nil {
		return fmt.Errorf("failed to marshal audit criteria: %w", err)
	}

	_, err = r.db.Querier(ctx).Exec(ctx, `
		INSERT INTO audit_reports (
			id, workflow_id, is_successful, feedback, rework_suggestions,
			confidence_score, reviewed_tasks, audit_criteria, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		report.ID,
		report.WorkflowID,
		report.IsSuccessful,
		report.Feedback,
		suggestions,
		report.ConfidenceScore,
		reviewed,
		criteria,
		report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save audit report: %w", err)
	}
	return nil
}

// ListByWorkflow returns a workflow's audit reports oldest first.
func (r *auditReportRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.AuditReport, error) {
	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT id, workflow_id, is_successful, feedback, rework_suggestions,
		       confidence_score, reviewed_tasks, audit_criteria, created_at
		FROM audit_reports
		WHERE workflow_id = $1
		ORDER BY created_at`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit reports: %w", err)
	}
	defer rows.Close()

	var reports []*models.AuditReport
	for rows.Next() {
		var report models.AuditReport
		var suggestions, reviewed, criteria []byte
		err := rows.Scan(
			&report.ID,
			&report.WorkflowID,
			&report.IsSuccessful,
			&report.Feedback,
			&suggestions,
			&report.ConfidenceScore,
			&reviewed,
			&criteria,
			&report.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit report: %w", err)
		}
		if err := json.Unmarshal(suggestions, &report.ReworkSuggestions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rework suggestions: %w", err)
		}
		if err := json.Unmarshal(reviewed, &report.ReviewedTasks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reviewed tasks: %w", err)
		}
		if err := json.Unmarshal(criteria, &report.AuditCriteria); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit criteria: %w", err)
		}
		reports = append(reports, &report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit reports: %w", err)
	}
	return reports, nil
}

// Ensure auditReportRepository implements AuditReportRepository at compile time.
var _ AuditReportRepository = (*auditReportRepository)(nil)
