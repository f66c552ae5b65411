// Package notify decides who hears about an error and emits one dispatch
// request per recipient.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"golang.org/x/sync/errgroup"
)

// ErrDispatchFailed marks a single recipient whose message could not be handed off.
var ErrDispatchFailed = errors.New("notification dispatch failed")

// Reason explains why an error notification was sent.
type Reason string

const (
	ReasonNewError    Reason = "new_error"
	ReasonRepeated    Reason = "repeated"
	ReasonReactivated Reason = "reactivated"
)

// ReasonFor maps a notifying transition to its reason. ok is false for
// transitions that never notify.
func ReasonFor(t models.Transition) (Reason, bool) {
	switch t {
	case models.TransitionCreated:
		return ReasonNewError, true
	case models.TransitionRepeated:
		return ReasonRepeated, true
	case models.TransitionReactivated:
		return ReasonReactivated, true
	}
	return "", false
}

// DispatchResult lists the recipients that were handed off and the failures.
// Every entry of Failed wraps ErrDispatchFailed.
type DispatchResult struct {
	Sent   []string
	Failed []error
}

// Dispatcher fans notifications out to a Sender.
type Dispatcher struct {
	sender         Sender
	maxConcurrency int
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. maxConcurrency bounds in-flight sends per call.
func NewDispatcher(sender Sender, maxConcurrency int, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Dispatcher{sender: sender, maxConcurrency: maxConcurrency, logger: logger, metrics: m}
}

// Dispatch sends one message about agg to every eligible member of project.
// Recipients are independent: one failure never stops the others, and nothing
// is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, agg *models.ErrorAggregate, project *models.Project, reason Reason) DispatchResult {
	recipients := project.Recipients()
	now := time.Now().UTC()
	raisedAt := agg.LastRaisedAt()
	aggregateID := agg.ID

	var (
		mu     sync.Mutex
		result DispatchResult
		g      errgroup.Group
	)
	g.SetLimit(d.maxConcurrency)

	for _, recipient := range recipients {
		msg := Message{
			Kind:            KindError,
			Reason:          reason,
			Recipient:       recipient,
			ProjectID:       project.ID,
			ProjectName:     project.Name,
			AggregateID:     &aggregateID,
			ErrorMessage:    agg.Message,
			URL:             agg.Context.URL(),
			RaisedAt:        &raisedAt,
			OccurrenceCount: agg.OccurrenceCount(),
			CreatedAt:       now,
		}
		recipient := recipient
		g.Go(func() error {
			err := d.send(ctx, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, err)
			} else {
				result.Sent = append(result.Sent, recipient)
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(result.Sent)
	d.logger.InfoContext(ctx, "notifications dispatched",
		"project_id", project.ID,
		"aggregate_id", agg.ID,
		"reason", reason,
		"sent", len(result.Sent),
		"failed", len(result.Failed),
	)
	return result
}

// Invite asks for an invitation to be sent to email for project.
func (d *Dispatcher) Invite(ctx context.Context, email string, project *models.Project) error {
	return d.send(ctx, Message{
		Kind:        KindInvitation,
		Recipient:   email,
		ProjectID:   project.ID,
		ProjectName: project.Name,
		CreatedAt:   time.Now().UTC(),
	})
}

func (d *Dispatcher) send(ctx context.Context, msg Message) error {
	err := d.sender.Send(ctx, msg)
	d.metrics.RecordNotification(string(msg.Kind), err == nil)
	if err != nil {
		d.logger.WarnContext(ctx, "notification failed",
			"kind", msg.Kind,
			"recipient", msg.Recipient,
			"project_id", msg.ProjectID,
			"error", err,
		)
		return fmt.Errorf("%w: %s: %w", ErrDispatchFailed, msg.Recipient, err)
	}
	return nil
}
