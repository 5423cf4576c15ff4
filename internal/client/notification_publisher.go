// Package client holds the service's outbound integrations.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-npa-governance/internal/logger"
	"github.com/pesio-ai/be-npa-governance/internal/model"
)

const subjectRoot = "notifications"

// Notification event types that are not proposal lifecycle events.
const (
	EventSLABreached      = "sla_breached"
	EventEscalationRaised = "escalation_raised"
)

// Bus is the transport the publisher writes to. *NATSClient implements it.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes governance events to NATS JetStream for the
// notifications service.
//
// Subject convention: notifications.npa.<event_type>
//
// All publish operations are non-fatal: errors are logged and never reach
// the caller, so a notification outage never interrupts a governance
// operation that already committed.
type NotificationPublisher struct {
	bus Bus
	log *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil bus disables publishing.
func NewNotificationPublisher(bus Bus, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{bus: bus, log: log}
}

// PublishProposalEvent announces a lifecycle event to the proposal's maker.
func (p *NotificationPublisher) PublishProposalEvent(
	ctx context.Context,
	eventType string,
	proposal *model.Proposal,
	actor string,
	payload map[string]interface{},
) {
	if proposal == nil {
		return
	}
	body := map[string]interface{}{
		"title":  proposal.Title,
		"stage":  proposal.Stage,
		"status": proposal.Status,
		"track":  proposal.Track,
	}
	for k, v := range payload {
		body[k] = v
	}
	p.publish(ctx, &NotificationEvent{
		EventType:    eventType,
		ActorID:      actor,
		Recipients:   recipients(proposal.CreatedBy),
		ResourceType: "npa_proposal",
		ResourceID:   proposal.ID,
		Severity:     "info",
		Category:     "npa_governance",
		Payload:      body,
	})
}

// PublishBreach notifies the breaching party that its signoff is overdue.
func (p *NotificationPublisher) PublishBreach(ctx context.Context, a *model.BreachAlert) {
	if a == nil {
		return
	}
	p.publish(ctx, &NotificationEvent{
		EventType:    EventSLABreached,
		ActorID:      "system",
		Recipients:   recipients(a.Party),
		ResourceType: "npa_proposal",
		ResourceID:   a.ProposalID,
		IsActionable: true,
		Severity:     strings.ToLower(string(a.Severity)),
		Category:     "npa_sla",
		Payload: map[string]interface{}{
			"alert_id":      a.ID,
			"signoff_id":    a.SignoffID,
			"title":         a.Title,
			"hours_overdue": a.ActualValue,
		},
	})
}

// PublishEscalation notifies the maker and whoever raised the escalation.
func (p *NotificationPublisher) PublishEscalation(ctx context.Context, e *model.Escalation, proposal *model.Proposal) {
	if e == nil || proposal == nil {
		return
	}
	p.publish(ctx, &NotificationEvent{
		EventType:    EventEscalationRaised,
		ActorID:      e.EscalatedBy,
		Recipients:   recipients(proposal.CreatedBy, e.EscalatedBy),
		ResourceType: "npa_proposal",
		ResourceID:   proposal.ID,
		IsActionable: true,
		Severity:     "warning",
		Category:     "npa_escalation",
		Payload: map[string]interface{}{
			"escalation_id": e.ID,
			"level":         e.Level,
			"trigger":       e.Trigger,
			"reason":        e.Reason,
			"prior_stage":   e.PriorStage,
		},
	})
}

func (p *NotificationPublisher) publish(ctx context.Context, event *NotificationEvent) {
	if p == nil || p.bus == nil {
		return
	}
	if len(event.Recipients) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.npa.%s", subjectRoot, event.EventType)
	if err := p.bus.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("proposal_id", event.ResourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("proposal_id", event.ResourceID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}

func recipients(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		dup := false
		for _, have := range out {
			if have == id {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, id)
		}
	}
	return out
}
