package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/signalhub-api/internal/models"
	"github.com/noah-isme/signalhub-api/pkg/jobs"
)

const auditJobType = "audit_log"

type auditRepository interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type auditQueue interface {
	Enqueue(job jobs.Job) error
}

// AuditService writes audit entries off the request path.
type AuditService struct {
	repo   auditRepository
	queue  auditQueue
	logger *zap.Logger
}

// NewAuditService constructs an AuditService. Without a queue entries are
// written synchronously.
func NewAuditService(repo auditRepository, queue auditQueue, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{repo: repo, queue: queue, logger: logger}
}

// AttachQueue wires the queue built from Handle after construction.
func (s *AuditService) AttachQueue(queue auditQueue) {
	s.queue = queue
}

// Record schedules entry for persistence. Failures are logged only.
func (s *AuditService) Record(ctx context.Context, entry models.AuditLog) {
	if s == nil || s.repo == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if s.queue != nil {
		err := s.queue.Enqueue(jobs.Job{ID: entry.ID, Type: auditJobType, Payload: entry})
		if err == nil {
			return
		}
		s.logger.Warn("audit queue rejected entry, writing inline", zap.String("action", entry.Action), zap.Error(err))
	}
	if err := s.repo.CreateAuditLog(context.WithoutCancel(ctx), &entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", entry.Action), zap.Error(err))
	}
}

// Handle is the jobs.Handler persisting queued audit entries.
func (s *AuditService) Handle(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(models.AuditLog)
	if !ok {
		s.logger.Error("unexpected audit payload", zap.String("job_id", job.ID))
		return nil
	}
	if err := s.repo.CreateAuditLog(ctx, &entry); err != nil {
		return fmt.Errorf("persist audit log %s: %w", entry.Action, err)
	}
	return nil
}

func auditEntry(userID, action, resource, resourceID string, meta models.RequestMeta, values string) models.AuditLog {
	entry := models.AuditLog{
		Action:    action,
		Resource:  resource,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	}
	if userID != "" {
		entry.UserID = &userID
	}
	if resourceID != "" {
		entry.ResourceID = &resourceID
	}
	if values != "" {
		entry.NewValues = []byte(values)
	}
	return entry
}
