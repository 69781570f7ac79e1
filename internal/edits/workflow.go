// Package edits mediates corrections to logged duty status changes. An
// approved correction is appended as a new EditApproved event; the original
// event is never modified.
package edits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/db"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/zoobzio/clockz"
)

// maxEditDepth bounds the walk from an edit back to its original event.
const maxEditDepth = 32

var approvalNamespace = uuid.MustParse("9b3c2d1e-7a4f-4e61-8c0d-5f2a7b9e1c34")

// EventLog is the subset of the event log the workflow needs.
type EventLog interface {
	Get(ctx context.Context, eventID string) (*models.HOSEvent, error)
	Append(ctx context.Context, event models.HOSEvent) (string, error)
	LatestCorrection(ctx context.Context, driverID, targetID string) (*models.HOSEvent, error)
}

// RequestInput is a proposed correction.
type RequestInput struct {
	TargetEventID string            `json:"target_event_id"`
	RequestedBy   string            `json:"requested_by"`
	Reason        string            `json:"reason"`
	Proposed      models.Correction `json:"proposed"`
}

// Workflow owns the edit request state machine.
type Workflow struct {
	log   EventLog
	edits db.EditCollection
	clock clockz.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWorkflow returns a Workflow.
func NewWorkflow(eventLog EventLog, edits db.EditCollection, clock clockz.Clock) *Workflow {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Workflow{log: eventLog, edits: edits, clock: clock, locks: make(map[string]*sync.Mutex)}
}

func (w *Workflow) targetLock(targetID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.locks[targetID]
	if !ok {
		m = &sync.Mutex{}
		w.locks[targetID] = m
	}
	return m
}

// Request opens a pending edit request. Editing an EditApproved event edits
// the status change it superseded.
func (w *Workflow) Request(ctx context.Context, in RequestInput) (models.EditRequest, error) {
	if err := w.validate(in); err != nil {
		return models.EditRequest{}, err
	}
	target, err := w.resolveTarget(ctx, in.TargetEventID)
	if err != nil {
		return models.EditRequest{}, err
	}

	lock := w.targetLock(target.ID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := w.edits.FindPendingByTarget(ctx, target.ID)
	if err != nil {
		return models.EditRequest{}, fmt.Errorf("check pending requests: %w", err)
	}
	if pending != nil {
		return models.EditRequest{}, fmt.Errorf("request %s is pending for event %s: %w", pending.ID, target.ID, apperr.ErrDuplicateRequest)
	}

	req := models.EditRequest{
		ID:               uuid.NewString(),
		TargetEventID:    target.ID,
		RequestedEventID: in.TargetEventID,
		DriverID:         target.DriverID,
		RequestedBy:      in.RequestedBy,
		Reason:           strings.TrimSpace(in.Reason),
		Proposed:         in.Proposed,
		Status:           models.EditPending,
		CreatedAt:        w.clock.Now().UTC(),
	}
	if err := w.edits.InsertEdit(ctx, req); err != nil {
		return models.EditRequest{}, fmt.Errorf("store edit request: %w", err)
	}

	log.WithFields(log.Fields{
		"request_id":   req.ID,
		"event_id":     target.ID,
		"driver_id":    target.DriverID,
		"requested_by": req.RequestedBy,
	}).Info("Edit requested")
	return req, nil
}

func (w *Workflow) validate(in RequestInput) error {
	if in.TargetEventID == "" {
		return apperr.Validation("target_event_id", "target event id is required")
	}
	if in.RequestedBy == "" {
		return apperr.Validation("requested_by", "requester is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return apperr.Validation("reason", "a reason for the edit is required")
	}
	p := in.Proposed
	if p.IsEmpty() {
		return apperr.Validation("proposed", "the correction must change at least one field")
	}
	if p.DutyStatus != "" && !p.DutyStatus.IsValid() {
		return apperr.Validation("proposed.duty_status", fmt.Sprintf("invalid duty status %q", p.DutyStatus))
	}
	if p.EffectiveAt != nil && p.EffectiveAt.After(w.clock.Now()) {
		return apperr.Validation("proposed.effective_at", "corrected time is in the future")
	}
	if p.Location != nil && !p.Location.Valid() {
		return apperr.Validation("proposed.location", "latitude or longitude out of range")
	}
	if (p.Odometer != nil && *p.Odometer < 0) || (p.EngineHours != nil && *p.EngineHours < 0) {
		return apperr.Validation("proposed", "odometer and engine hours must not be negative")
	}
	return nil
}

// resolveTarget follows EditApproved events back to the duty status change
// they correct.
func (w *Workflow) resolveTarget(ctx context.Context, eventID string) (*models.HOSEvent, error) {
	id := eventID
	for range maxEditDepth {
		ev, err := w.log.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("target event %s: %w", id, err)
		}
		switch ev.Kind {
		case models.KindDutyStatusChange:
			return ev, nil
		case models.KindEditApproved:
			id = ev.SupersedesEventID
		default:
			return nil, apperr.Validation("target_event_id", fmt.Sprintf("%s events cannot be edited", ev.Kind))
		}
	}
	return nil, apperr.Validation("target_event_id", "edit chain too deep")
}

// Decide approves or rejects a pending request. When a driving entry is
// involved, either as logged, as currently corrected, as named by the
// requester or as proposed, the approver must differ from the requester.
func (w *Workflow) Decide(ctx context.Context, requestID, approverID string, approve bool) (models.EditRequest, error) {
	if approverID == "" {
		return models.EditRequest{}, apperr.Validation("approver_id", "approver is required")
	}
	req, err := w.edits.FindEditByID(ctx, requestID)
	if err != nil {
		return models.EditRequest{}, err
	}

	lock := w.targetLock(req.TargetEventID)
	lock.Lock()
	defer lock.Unlock()

	// reload under the lock; a concurrent decision may have landed
	if req, err = w.edits.FindEditByID(ctx, requestID); err != nil {
		return models.EditRequest{}, err
	}
	if req.Status != models.EditPending {
		return models.EditRequest{}, fmt.Errorf("request %s is %s: %w", req.ID, req.Status, apperr.ErrRequestDecided)
	}
	target, err := w.log.Get(ctx, req.TargetEventID)
	if err != nil {
		return models.EditRequest{}, fmt.Errorf("target event %s: %w", req.TargetEventID, err)
	}
	effective, err := w.effective(ctx, target)
	if err != nil {
		return models.EditRequest{}, err
	}
	if approverID == req.RequestedBy {
		driving, err := w.involvesDriving(ctx, req, target, effective)
		if err != nil {
			return models.EditRequest{}, err
		}
		if driving {
			return models.EditRequest{}, fmt.Errorf("request %s: %w", req.ID, apperr.ErrSelfApproval)
		}
	}

	now := w.clock.Now().UTC()
	status := models.EditRejected
	resultID := ""
	if approve {
		status = models.EditApproved
		if resultID, err = w.appendApproval(ctx, req, target, effective); err != nil {
			return models.EditRequest{}, err
		}
	}
	if err := w.edits.DecideEdit(ctx, req.ID, status, approverID, now, resultID); err != nil {
		return models.EditRequest{}, fmt.Errorf("record decision: %w", err)
	}

	log.WithFields(log.Fields{
		"request_id":  req.ID,
		"approver_id": approverID,
		"status":      status,
		"event_id":    resultID,
	}).Info("Edit decided")

	req.Status = status
	req.ApproverID = approverID
	req.DecidedAt = &now
	req.ResultEventID = resultID
	return *req, nil
}

// effective returns the latest approved correction of target, or target
// itself when it was never corrected.
func (w *Workflow) effective(ctx context.Context, target *models.HOSEvent) (*models.HOSEvent, error) {
	latest, err := w.log.LatestCorrection(ctx, target.DriverID, target.ID)
	if err != nil {
		return nil, fmt.Errorf("corrections of %s: %w", target.ID, err)
	}
	if latest == nil {
		return target, nil
	}
	return latest, nil
}

func (w *Workflow) involvesDriving(ctx context.Context, req *models.EditRequest, target, effective *models.HOSEvent) (bool, error) {
	if target.DutyStatus == models.StatusDriving || effective.DutyStatus == models.StatusDriving || req.Proposed.DutyStatus == models.StatusDriving {
		return true, nil
	}
	if req.RequestedEventID == "" || req.RequestedEventID == target.ID || req.RequestedEventID == effective.ID {
		return false, nil
	}
	named, err := w.log.Get(ctx, req.RequestedEventID)
	if err != nil {
		return false, fmt.Errorf("requested event %s: %w", req.RequestedEventID, err)
	}
	return named.DutyStatus == models.StatusDriving, nil
}

// appendApproval appends the EditApproved event for req. Its id is derived
// from the request id, so a decision retried after a failed status update
// finds the event already logged instead of appending it twice.
//
// The new event starts from the current correction of target so fields the
// request leaves unset keep their corrected values.
func (w *Workflow) appendApproval(ctx context.Context, req *models.EditRequest, target, base *models.HOSEvent) (string, error) {
	id := ApprovalEventID(req.ID)
	existing, err := w.log.Get(ctx, id)
	if err == nil && existing != nil {
		return existing.ID, nil
	}
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return "", fmt.Errorf("check approval event: %w", err)
	}

	p := req.Proposed
	event := models.HOSEvent{
		ID:                id,
		DriverID:          target.DriverID,
		VehicleID:         target.VehicleID,
		Timestamp:         w.clock.Now(),
		Kind:              models.KindEditApproved,
		SupersedesEventID: target.ID,
		DutyStatus:        base.DutyStatus,
		Odometer:          base.Odometer,
		EngineHours:       base.EngineHours,
		Location:          base.Location,
		Remarks:           req.Reason,
	}
	effective := target.Timestamp
	if base.EffectiveAt != nil {
		effective = *base.EffectiveAt
	}
	event.EffectiveAt = &effective
	if p.DutyStatus != "" {
		event.DutyStatus = p.DutyStatus
	}
	if p.EffectiveAt != nil {
		at := *p.EffectiveAt
		event.EffectiveAt = &at
	}
	if p.Location != nil {
		event.Location = p.Location
	}
	if p.Odometer != nil {
		event.Odometer = p.Odometer
	}
	if p.EngineHours != nil {
		event.EngineHours = p.EngineHours
	}
	if p.Remarks != "" {
		event.Remarks = p.Remarks
	}

	appended, err := w.log.Append(ctx, event)
	if err != nil {
		return "", fmt.Errorf("append approval for request %s: %w", req.ID, err)
	}
	return appended, nil
}

// ApprovalEventID is the id of the EditApproved event a request produces.
func ApprovalEventID(requestID string) string {
	return uuid.NewSHA1(approvalNamespace, []byte(requestID)).String()
}

// Get returns a request by id.
func (w *Workflow) Get(ctx context.Context, requestID string) (*models.EditRequest, error) {
	return w.edits.FindEditByID(ctx, requestID)
}

// ListPending returns a driver's pending requests, oldest first.
func (w *Workflow) ListPending(ctx context.Context, driverID string) ([]models.EditRequest, error) {
	return w.edits.FindEdits(ctx, driverID, models.EditPending)
}

// List returns a driver's requests, optionally filtered by status.
func (w *Workflow) List(ctx context.Context, driverID string, status models.EditStatus) ([]models.EditRequest, error) {
	return w.edits.FindEdits(ctx, driverID, status)
}
