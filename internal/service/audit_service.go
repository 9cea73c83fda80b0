package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/peereval-go-api/internal/models"
	"github.com/noah-isme/peereval-go-api/internal/repository"
)

// AuditEntry captures the details required to persist one audit event.
type AuditEntry struct {
	Actor      Actor
	Action     string
	EntityType string
	EntityID   *uint
	RunID      string
	Metadata   map[string]interface{}
}

// AuditRecorder records engine events for later inspection. Runs and
// relaxations are audited so a fairness review can reconstruct why a
// pairing exists.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry) error
}

type auditService struct {
	repo   repository.AuditLogRepository
	logger zerolog.Logger
}

// NewAuditService constructs the audit recorder.
func NewAuditService(repo repository.AuditLogRepository, logger zerolog.Logger) AuditRecorder {
	return &auditService{
		repo:   repo,
		logger: logger.With().Str("component", "audit_service").Logger(),
	}
}

func (s *auditService) Record(ctx context.Context, entry AuditEntry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return fmt.Errorf("audit action is required")
	}
	if strings.TrimSpace(entry.EntityType) == "" {
		return fmt.Errorf("audit entity type is required")
	}

	model := models.AuditLog{
		ActorID:    entry.Actor.ID,
		ActorRole:  strings.ToLower(strings.TrimSpace(entry.Actor.Role)),
		Action:     strings.ToLower(strings.TrimSpace(entry.Action)),
		EntityType: strings.ToLower(strings.TrimSpace(entry.EntityType)),
		EntityID:   entry.EntityID,
		RunID:      entry.RunID,
		Metadata:   datatypes.JSONMap(entry.Metadata),
	}

	if err := s.repo.Create(ctx, &model); err != nil {
		s.logger.Warn().Err(err).Str("action", model.Action).Msg("failed to persist audit entry")
		return err
	}

	return nil
}
