package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/cache"
)

// Kind distinguishes error alerts from membership invitations.
type Kind string

const (
	KindError      Kind = "error"
	KindInvitation Kind = "invitation"
)

// Message is one dispatch request for one recipient. Rendering and delivery
// belong to whatever consumes it.
type Message struct {
	Kind            Kind       `json:"kind"`
	Reason          Reason     `json:"reason,omitempty"`
	Recipient       string     `json:"recipient"`
	ProjectID       uuid.UUID  `json:"project_id"`
	ProjectName     string     `json:"project_name"`
	AggregateID     *uuid.UUID `json:"aggregate_id,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	URL             any        `json:"url,omitempty"`
	RaisedAt        *time.Time `json:"raised_at,omitempty"`
	OccurrenceCount int        `json:"occurrence_count,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Sender hands a message to the delivery transport. Implementations must be
// safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// QueueSender pushes JSON-encoded messages onto a Redis list read by an
// external mailer.
type QueueSender struct {
	cache cache.Cache
	queue string
}

// NewQueueSender creates a QueueSender writing to the named list.
func NewQueueSender(c cache.Cache, queue string) *QueueSender {
	return &QueueSender{cache: c, queue: queue}
}

func (s *QueueSender) Send(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := s.cache.Push(ctx, s.queue, raw); err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

// LogSender writes messages to the log instead of delivering them. Used when
// no Redis is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.InfoContext(ctx, "notification",
		"kind", msg.Kind,
		"reason", msg.Reason,
		"recipient", msg.Recipient,
		"project_id", msg.ProjectID,
	)
	return nil
}
