package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// TaskEventPublisher hands engine events to the notification layer.
// Delivery is best effort: a publish failure never fails the engine
// operation that produced the event.
type TaskEventPublisher interface {
	PublishTasksAssigned(ctx context.Context, event TasksAssignedEvent)
	PublishTaskTransitioned(ctx context.Context, event TaskTransitionedEvent)
}

// TasksAssignedEvent announces the tasks created by one assignment run.
type TasksAssignedEvent struct {
	AssignmentID uint      `json:"assignment_id"`
	RunID        string    `json:"run_id"`
	TaskIDs      []uint    `json:"task_ids"`
	EvaluatorIDs []uint    `json:"evaluator_ids"`
	DueDate      time.Time `json:"due_date"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// TaskTransitionedEvent announces a single lifecycle transition.
type TaskTransitionedEvent struct {
	TaskID       uint      `json:"task_id"`
	AssignmentID uint      `json:"assignment_id"`
	EvaluatorID  uint      `json:"evaluator_id"`
	FromStatus   string    `json:"from_status"`
	ToStatus     string    `json:"to_status"`
	ActorID      uint      `json:"actor_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

const (
	subjectTasksAssigned    = "peereval.tasks.assigned"
	subjectTaskTransitioned = "peereval.tasks.transitioned"
)

type natsEventPublisher struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATSEventPublisher builds a NATS-backed publisher. A nil
// connection yields a publisher that drops events, so the engine works
// without a broker in development.
func NewNATSEventPublisher(conn *nats.Conn, logger zerolog.Logger) TaskEventPublisher {
	return &natsEventPublisher{
		conn:   conn,
		logger: logger.With().Str("component", "event_publisher").Logger(),
	}
}

func (p *natsEventPublisher) PublishTasksAssigned(_ context.Context, event TasksAssignedEvent) {
	p.publish(subjectTasksAssigned, event)
}

func (p *natsEventPublisher) PublishTaskTransitioned(_ context.Context, event TaskTransitionedEvent) {
	p.publish(subjectTaskTransitioned, event)
}

func (p *natsEventPublisher) publish(subject string, event interface{}) {
	if p.conn == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("subject", subject).Msg("failed to encode event")
		return
	}

	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}
