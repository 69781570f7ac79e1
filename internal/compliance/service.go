// Package compliance is the single entry point the transports call. It
// routes device and operator input into the event log, edit workflow and
// DVIR ledger, and answers state, violation and eligibility queries.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/db"
	"github.com/ukydev/fleet-compliance/internal/dvir"
	"github.com/ukydev/fleet-compliance/internal/edits"
	"github.com/ukydev/fleet-compliance/internal/eventlog"
	"github.com/ukydev/fleet-compliance/internal/hos"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/ukydev/fleet-compliance/internal/violations"
	"github.com/zoobzio/clockz"
	"golang.org/x/sync/singleflight"
)

// DefaultFleetConcurrency bounds parallel driver evaluation in FleetViolations.
const DefaultFleetConcurrency = 8

// PINHasher hashes a driver PIN for storage.
type PINHasher interface {
	HashPassword(password string) (string, error)
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	Log      *eventlog.Log
	Engine   *hos.Engine
	Detector *violations.Detector
	Edits    *edits.Workflow
	DVIR     *dvir.Ledger
	Users    db.UserCollection
	Hasher   PINHasher
	Clock    clockz.Clock

	// FleetConcurrency caps FleetViolations; zero selects the default.
	FleetConcurrency int
}

// Service implements the compliance operations.
type Service struct {
	log      *eventlog.Log
	engine   *hos.Engine
	detector *violations.Detector
	edits    *edits.Workflow
	dvir     *dvir.Ledger
	users    db.UserCollection
	hasher   PINHasher
	clock    clockz.Clock
	fleetMax int

	states singleflight.Group
}

// New returns a Service.
func New(d Deps) *Service {
	clock := d.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	fleetMax := d.FleetConcurrency
	if fleetMax <= 0 {
		fleetMax = DefaultFleetConcurrency
	}
	return &Service{
		log:      d.Log,
		engine:   d.Engine,
		detector: d.Detector,
		edits:    d.Edits,
		dvir:     d.DVIR,
		users:    d.Users,
		hasher:   d.Hasher,
		clock:    clock,
		fleetMax: fleetMax,
	}
}

// DutyStatusInput is a driver's duty status change.
type DutyStatusInput struct {
	DriverID    string            `json:"driver_id"`
	VehicleID   string            `json:"vehicle_id"`
	Status      models.DutyStatus `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Location    *models.Location  `json:"location,omitempty"`
	Odometer    *float64          `json:"odometer,omitempty"`
	EngineHours *float64          `json:"engine_hours,omitempty"`
	Remarks     string            `json:"remarks,omitempty"`
}

// FaultInput is a malfunction or diagnostic reported by the device.
type FaultInput struct {
	DriverID    string               `json:"driver_id"`
	VehicleID   string               `json:"vehicle_id"`
	Code        string               `json:"code"`
	Description string               `json:"description,omitempty"`
	Severity    models.FaultSeverity `json:"severity,omitempty"`
	Cleared     bool                 `json:"cleared"`
	Timestamp   time.Time            `json:"timestamp"`
	Location    *models.Location     `json:"location,omitempty"`
}

// DeviceEventInput is any other device-originated event.
type DeviceEventInput struct {
	DriverID    string           `json:"driver_id"`
	VehicleID   string           `json:"vehicle_id"`
	Kind        models.EventKind `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
	Location    *models.Location `json:"location,omitempty"`
	Odometer    *float64         `json:"odometer,omitempty"`
	EngineHours *float64         `json:"engine_hours,omitempty"`
	Remarks     string           `json:"remarks,omitempty"`
}

// HistoryQuery selects a page of a driver's log.
type HistoryQuery struct {
	DriverID string
	Range    models.TimeRange
	After    *db.Cursor
	Limit    int
	Kinds    []models.EventKind
}

func (s *Service) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.clock.Now()
	}
	return t
}

// SubmitDutyStatusChange appends a duty status change and returns its id.
func (s *Service) SubmitDutyStatusChange(ctx context.Context, in DutyStatusInput) (string, error) {
	if !in.Status.IsValid() {
		return "", apperr.Validation("status", fmt.Sprintf("invalid duty status %q", in.Status))
	}
	return s.log.Append(ctx, models.HOSEvent{
		DriverID:    in.DriverID,
		VehicleID:   in.VehicleID,
		Timestamp:   s.stamp(in.Timestamp),
		Kind:        models.KindDutyStatusChange,
		DutyStatus:  in.Status,
		Location:    in.Location,
		Odometer:    in.Odometer,
		EngineHours: in.EngineHours,
		Remarks:     in.Remarks,
	})
}

// ReportMalfunction logs a malfunction, or clears one when in.Cleared is set.
func (s *Service) ReportMalfunction(ctx context.Context, in FaultInput) (string, error) {
	return s.appendFault(ctx, models.KindMalfunction, in)
}

// ReportDiagnostic logs a data diagnostic event.
func (s *Service) ReportDiagnostic(ctx context.Context, in FaultInput) (string, error) {
	return s.appendFault(ctx, models.KindDiagnostic, in)
}

func (s *Service) appendFault(ctx context.Context, kind models.EventKind, in FaultInput) (string, error) {
	id, err := s.log.Append(ctx, models.HOSEvent{
		DriverID:  in.DriverID,
		VehicleID: in.VehicleID,
		Timestamp: s.stamp(in.Timestamp),
		Kind:      kind,
		Location:  in.Location,
		Device: &models.DeviceFault{
			Code:        strings.TrimSpace(in.Code),
			Description: in.Description,
			Severity:    in.Severity,
			Cleared:     in.Cleared,
		},
	})
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"driver_id": in.DriverID,
		"event_id":  id,
		"kind":      kind,
		"code":      in.Code,
		"cleared":   in.Cleared,
	}).Info("Device fault recorded")
	return id, nil
}

// RecordDeviceEvent logs engine, login and location events. Duty status
// changes, faults and edits have their own operations.
func (s *Service) RecordDeviceEvent(ctx context.Context, in DeviceEventInput) (string, error) {
	switch in.Kind {
	case models.KindEngineOn, models.KindEngineOff, models.KindDriverLogin,
		models.KindDriverLogout, models.KindLocationUpdate:
	default:
		return "", apperr.Validation("kind", fmt.Sprintf("%q is not a device event", in.Kind))
	}
	return s.log.Append(ctx, models.HOSEvent{
		DriverID:    in.DriverID,
		VehicleID:   in.VehicleID,
		Timestamp:   s.stamp(in.Timestamp),
		Kind:        in.Kind,
		Location:    in.Location,
		Odometer:    in.Odometer,
		EngineHours: in.EngineHours,
		Remarks:     in.Remarks,
	})
}

// GetEvent returns one logged event.
func (s *Service) GetEvent(ctx context.Context, eventID string) (*models.HOSEvent, error) {
	return s.log.Get(ctx, eventID)
}

// RequestEdit opens an edit request.
func (s *Service) RequestEdit(ctx context.Context, in edits.RequestInput) (models.EditRequest, error) {
	return s.edits.Request(ctx, in)
}

// DecideEdit approves or rejects an edit request.
func (s *Service) DecideEdit(ctx context.Context, requestID, approverID string, approve bool) (models.EditRequest, error) {
	return s.edits.Decide(ctx, requestID, approverID, approve)
}

// GetEdit returns an edit request.
func (s *Service) GetEdit(ctx context.Context, requestID string) (*models.EditRequest, error) {
	return s.edits.Get(ctx, requestID)
}

// ListEdits returns a driver's edit requests; an empty status lists all.
func (s *Service) ListEdits(ctx context.Context, driverID string, status models.EditStatus) ([]models.EditRequest, error) {
	if _, err := s.driver(ctx, driverID); err != nil {
		return nil, err
	}
	return s.edits.List(ctx, driverID, status)
}

// SubmitInspection appends a DVIR record.
func (s *Service) SubmitInspection(ctx context.Context, rec models.InspectionRecord) (string, error) {
	return s.dvir.Submit(ctx, rec)
}

// GetCurrentState computes the driver's HOS state at asOf (zero means now).
// Concurrent calls for the same driver and instant share one computation.
func (s *Service) GetCurrentState(ctx context.Context, driverID string, asOf time.Time) (models.HOSState, error) {
	asOf = s.stamp(asOf).UTC().Truncate(time.Millisecond)
	key := driverID + "@" + asOf.Format(time.RFC3339Nano)
	v, err, _ := s.states.Do(key, func() (any, error) {
		return s.engine.CurrentState(ctx, driverID, asOf)
	})
	if err != nil {
		return models.HOSState{}, err
	}
	return v.(models.HOSState), nil
}

// GetActiveViolations evaluates the driver's open violations at asOf.
func (s *Service) GetActiveViolations(ctx context.Context, driverID string, asOf time.Time) ([]models.Violation, error) {
	return s.detector.Evaluate(ctx, driverID, s.stamp(asOf))
}

// GetEventHistory returns one page of a driver's log.
func (s *Service) GetEventHistory(ctx context.Context, q HistoryQuery) (eventlog.Page, error) {
	if _, err := s.driver(ctx, q.DriverID); err != nil {
		return eventlog.Page{}, err
	}
	if !q.Range.From.IsZero() && !q.Range.To.IsZero() && !q.Range.From.Before(q.Range.To) {
		return eventlog.Page{}, apperr.Validation("from", "from must be before to")
	}
	for _, k := range q.Kinds {
		if !k.IsValid() {
			return eventlog.Page{}, apperr.Validation("kind", fmt.Sprintf("invalid event kind %q", k))
		}
	}
	return s.log.Page(ctx, q.DriverID, q.Range, q.After, q.Limit, q.Kinds...)
}

// IsVehicleEligible reports whether the vehicle may be dispatched at asOf.
func (s *Service) IsVehicleEligible(ctx context.Context, vehicleID string, asOf time.Time) (bool, error) {
	return s.dvir.IsVehicleEligible(ctx, vehicleID, asOf)
}

// VehicleEligibility is IsVehicleEligible with the outstanding defects.
func (s *Service) VehicleEligibility(ctx context.Context, vehicleID string, asOf time.Time) (models.VehicleEligibility, error) {
	return s.dvir.Eligibility(ctx, vehicleID, asOf)
}

// RegisterDriver creates a user account. The role defaults to driver.
func (s *Service) RegisterDriver(ctx context.Context, req models.RegisterRequest) (models.User, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	if req.ID == "" {
		return models.User{}, apperr.Validation("id", "user id is required")
	}
	if req.Name == "" {
		return models.User{}, apperr.Validation("name", "name is required")
	}
	if err := ValidatePIN(req.PIN); err != nil {
		return models.User{}, err
	}
	if req.Role == "" {
		req.Role = models.RoleDriver
	}
	if !models.IsValidRole(req.Role) {
		return models.User{}, apperr.Validation("role", fmt.Sprintf("invalid role %q", req.Role))
	}

	hash, err := s.hasher.HashPassword(req.PIN)
	if err != nil {
		return models.User{}, err
	}
	now := s.clock.Now().UTC()
	user := models.User{
		ID:            req.ID,
		Name:          req.Name,
		CarrierID:     req.CarrierID,
		LicenseNumber: req.LicenseNumber,
		PINHash:       hash,
		Role:          req.Role,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.users.InsertUser(ctx, user); err != nil {
		return models.User{}, err
	}
	log.WithFields(log.Fields{"user_id": user.ID, "role": user.Role}).Info("User registered")
	return user, nil
}

// ValidatePIN checks that pin is 4 to 8 digits.
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 8 {
		return apperr.Validation("pin", "pin must be 4 to 8 digits")
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return apperr.Validation("pin", "pin must be 4 to 8 digits")
		}
	}
	return nil
}

// SetBaseline records a known-good starting state for a driver whose log
// begins mid-duty. A nil baseline removes it.
func (s *Service) SetBaseline(ctx context.Context, driverID string, b *models.HOSBaseline) error {
	if _, err := s.driver(ctx, driverID); err != nil {
		return err
	}
	if b != nil {
		if err := validateBaseline(b, s.engine.Rules(), s.clock.Now()); err != nil {
			return err
		}
		b.At = b.At.UTC()
	}
	if err := s.users.SetBaseline(ctx, driverID, b); err != nil {
		return fmt.Errorf("store baseline: %w", err)
	}
	log.WithField("driver_id", driverID).Info("HOS baseline set")
	return nil
}

func validateBaseline(b *models.HOSBaseline, rules hos.Rules, now time.Time) error {
	switch {
	case b.At.IsZero():
		return apperr.Validation("at", "baseline time is required")
	case b.At.After(now):
		return apperr.Validation("at", "baseline time is in the future")
	case !b.Status.IsValid():
		return apperr.Validation("status", fmt.Sprintf("invalid duty status %q", b.Status))
	case b.DriveUsed < 0 || b.DriveUsed > rules.DriveLimit:
		return apperr.Validation("drive_used", "drive time used is out of range")
	case b.OnDutyUsed < 0 || b.OnDutyUsed > rules.ShiftWindow:
		return apperr.Validation("on_duty_used", "on-duty time used is out of range")
	case b.CycleUsed < 0 || b.CycleUsed > rules.CycleLimit:
		return apperr.Validation("cycle_used", "cycle time used is out of range")
	case b.DrivingSinceBreak < 0 || b.DrivingSinceBreak > b.DriveUsed:
		return apperr.Validation("driving_since_break", "driving since break must not exceed drive time used")
	case b.ShiftStart != nil && b.ShiftStart.After(b.At):
		return apperr.Validation("shift_start", "shift start is after the baseline time")
	}
	return nil
}

// VerifyLog walks the driver's hash chain.
func (s *Service) VerifyLog(ctx context.Context, driverID string) (eventlog.VerifyReport, error) {
	if _, err := s.driver(ctx, driverID); err != nil {
		return eventlog.VerifyReport{}, err
	}
	return s.log.Verify(ctx, driverID)
}

// Drivers lists the active drivers.
func (s *Service) Drivers(ctx context.Context) ([]models.User, error) {
	users, err := s.users.FindUsers(ctx, models.RoleDriver)
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	active := users[:0]
	for _, u := range users {
		if u.IsActive {
			active = append(active, u)
		}
	}
	return active, nil
}

func (s *Service) driver(ctx context.Context, driverID string) (*models.User, error) {
	user, err := s.users.FindUserByID(ctx, driverID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("driver %s: %w", driverID, apperr.ErrUnknownDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("load driver %s: %w", driverID, err)
	}
	if user.Role != models.RoleDriver {
		return nil, fmt.Errorf("user %s is not a driver: %w", driverID, apperr.ErrUnknownDriver)
	}
	return user, nil
}
