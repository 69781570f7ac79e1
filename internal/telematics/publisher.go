package telematics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ukydev/fleet-compliance/internal/models"
)

// Alert events.
const (
	AlertRaised   = "raised"
	AlertResolved = "resolved"
)

// ViolationAlert is the payload on fleet/drivers/{id}/violations.
type ViolationAlert struct {
	Event     string           `json:"event"`
	Violation models.Violation `json:"violation"`
}

// Publisher fans violation and eligibility changes out to dashboards.
type Publisher struct {
	broker Broker
}

// NewPublisher returns a Publisher.
func NewPublisher(broker Broker) *Publisher {
	return &Publisher{broker: broker}
}

// PublishViolation announces a raised or resolved violation.
func (p *Publisher) PublishViolation(ctx context.Context, v models.Violation) error {
	event := AlertRaised
	if v.Resolved {
		event = AlertResolved
	}
	return p.publish(ctx, ViolationsTopic(v.DriverID), ViolationAlert{Event: event, Violation: v})
}

// VehicleEligibilityChanged announces that a vehicle became eligible or
// ineligible for dispatch.
func (p *Publisher) VehicleEligibilityChanged(ctx context.Context, e models.VehicleEligibility) error {
	return p.publish(ctx, EligibilityTopic(e.VehicleID), e)
}

func (p *Publisher) publish(ctx context.Context, topic string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	return p.broker.Publish(topic, body)
}
