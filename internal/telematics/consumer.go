package telematics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/compliance"
	"github.com/ukydev/fleet-compliance/internal/models"
)

const handleTimeout = 10 * time.Second

// Ingest is the set of compliance operations device messages map onto.
type Ingest interface {
	SubmitDutyStatusChange(ctx context.Context, in compliance.DutyStatusInput) (string, error)
	ReportMalfunction(ctx context.Context, in compliance.FaultInput) (string, error)
	ReportDiagnostic(ctx context.Context, in compliance.FaultInput) (string, error)
	RecordDeviceEvent(ctx context.Context, in compliance.DeviceEventInput) (string, error)
}

// Consumer turns device messages into log appends.
type Consumer struct {
	ingest Ingest
	broker Broker
}

// NewConsumer returns a Consumer.
func NewConsumer(ingest Ingest, broker Broker) *Consumer {
	return &Consumer{ingest: ingest, broker: broker}
}

// Start subscribes to every driver's event topic.
func (c *Consumer) Start() error {
	return c.broker.Subscribe(EventsTopic, c.Handle)
}

// Handle processes one message. Anything that cannot be recorded is logged
// and answered on the driver's rejection topic.
func (c *Consumer) Handle(topic string, payload []byte) {
	driverID, ok := driverFromTopic(topic)
	if !ok {
		log.WithField("topic", topic).Warn("Ignoring message on unexpected topic")
		return
	}

	var msg DeviceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.reject(driverID, msg, apperr.Validation("payload", "invalid JSON: "+err.Error()))
		return
	}
	msg.DriverID = driverID

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	id, err := c.dispatch(ctx, msg)
	if err != nil {
		c.reject(driverID, msg, err)
		return
	}
	log.WithFields(log.Fields{
		"driver_id":  driverID,
		"type":       msg.Type,
		"event_id":   id,
		"message_id": msg.MessageID,
	}).Debug("Device message recorded")
}

func (c *Consumer) dispatch(ctx context.Context, m DeviceMessage) (string, error) {
	switch m.Type {
	case TypeDutyStatus:
		return c.ingest.SubmitDutyStatusChange(ctx, compliance.DutyStatusInput{
			DriverID:    m.DriverID,
			VehicleID:   m.VehicleID,
			Status:      m.DutyStatus,
			Timestamp:   m.Timestamp,
			Location:    m.Location,
			Odometer:    m.Odometer,
			EngineHours: m.EngineHours,
			Remarks:     m.Remarks,
		})
	case TypeMalfunction, TypeDiagnostic:
		in := compliance.FaultInput{
			DriverID:    m.DriverID,
			VehicleID:   m.VehicleID,
			Code:        m.Code,
			Description: m.Description,
			Severity:    m.Severity,
			Cleared:     m.Cleared,
			Timestamp:   m.Timestamp,
			Location:    m.Location,
		}
		if m.Type == TypeMalfunction {
			return c.ingest.ReportMalfunction(ctx, in)
		}
		return c.ingest.ReportDiagnostic(ctx, in)
	case TypeEngineOn, TypeEngineOff, TypeDriverLogin, TypeDriverLogout, TypeLocationUpdate:
		return c.ingest.RecordDeviceEvent(ctx, compliance.DeviceEventInput{
			DriverID:    m.DriverID,
			VehicleID:   m.VehicleID,
			Kind:        models.EventKind(m.Type),
			Timestamp:   m.Timestamp,
			Location:    m.Location,
			Odometer:    m.Odometer,
			EngineHours: m.EngineHours,
			Remarks:     m.Remarks,
		})
	default:
		return "", apperr.Validation("type", fmt.Sprintf("unknown message type %q", m.Type))
	}
}

func (c *Consumer) reject(driverID string, m DeviceMessage, err error) {
	entry := log.WithError(err).WithFields(log.Fields{
		"driver_id":  driverID,
		"type":       m.Type,
		"message_id": m.MessageID,
	})
	if apperr.KindOf(err) == apperr.KindInternal {
		entry.Error("Device message failed")
	} else {
		entry.Warn("Device message rejected")
	}

	body, _ := json.Marshal(Rejection{
		MessageID: m.MessageID,
		EventType: m.Type,
		Error:     apperr.CodeOf(err),
		Message:   err.Error(),
	})
	if perr := c.broker.Publish(RejectionsTopic(driverID), body); perr != nil {
		log.WithError(perr).WithField("driver_id", driverID).Error("Failed to publish rejection")
	}
}

// driverFromTopic extracts {driver} from eld/{driver}/events.
func driverFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "eld" || parts[2] != "events" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
