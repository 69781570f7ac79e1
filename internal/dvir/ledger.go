// Package dvir keeps the append-only Driver Vehicle Inspection Report ledger
// and answers whether a vehicle may be dispatched.
package dvir

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/db"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/zoobzio/clockz"
)

// EligibilityNotifier is told when a submit flips a vehicle's eligibility.
type EligibilityNotifier interface {
	VehicleEligibilityChanged(ctx context.Context, e models.VehicleEligibility) error
}

// Ledger validates and stores inspection records.
type Ledger struct {
	records  db.InspectionCollection
	users    db.UserCollection
	notifier EligibilityNotifier
	clock    clockz.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger returns a Ledger. notifier may be nil.
func NewLedger(records db.InspectionCollection, users db.UserCollection, notifier EligibilityNotifier, clock clockz.Clock) *Ledger {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Ledger{
		records:  records,
		users:    users,
		notifier: notifier,
		clock:    clock,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) vehicleLock(vehicleID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[vehicleID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[vehicleID] = m
	}
	return m
}

// Submit validates rec, derives its condition fields and appends it. The
// record is stamped with the current time.
func (l *Ledger) Submit(ctx context.Context, rec models.InspectionRecord) (string, error) {
	if err := validate(&rec); err != nil {
		return "", err
	}
	user, err := l.users.FindUserByID(ctx, rec.DriverID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return "", fmt.Errorf("look up driver: %w", err)
	}
	if user == nil || !user.IsDriver() {
		return "", fmt.Errorf("driver %s: %w", rec.DriverID, apperr.ErrUnknownDriver)
	}

	lock := l.vehicleLock(rec.VehicleID)
	lock.Lock()
	defer lock.Unlock()

	before, err := l.OutstandingDefects(ctx, rec.VehicleID, time.Time{})
	if err != nil {
		return "", err
	}
	open := make(map[string]bool, len(before))
	for _, d := range before {
		open[d.Key()] = true
	}
	for i, r := range rec.ResolvedDefects {
		if !open[r.Key()] {
			return "", apperr.Validation(fmt.Sprintf("resolved_defects[%d]", i),
				fmt.Sprintf("no outstanding defect %s/%s on vehicle %s", r.Category, r.Item, rec.VehicleID))
		}
	}

	rec.Derive()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.SubmittedAt = l.clock.Now().UTC().Truncate(time.Millisecond)
	if err := l.records.InsertInspection(ctx, rec); err != nil {
		return "", fmt.Errorf("store inspection: %w", err)
	}

	after := applyRecord(before, rec)
	log.WithFields(log.Fields{
		"inspection_id": rec.ID,
		"vehicle_id":    rec.VehicleID,
		"driver_id":     rec.DriverID,
		"defects_found": rec.DefectsFound,
		"outstanding":   len(after),
	}).Info("Inspection submitted")

	if (len(before) == 0) != (len(after) == 0) && l.notifier != nil {
		e := models.VehicleEligibility{VehicleID: rec.VehicleID, Eligible: len(after) == 0, Defects: after, AsOf: rec.SubmittedAt}
		if err := l.notifier.VehicleEligibilityChanged(ctx, e); err != nil {
			log.WithError(err).WithField("vehicle_id", rec.VehicleID).Warn("Failed to publish eligibility change")
		}
	}
	return rec.ID, nil
}

func validate(rec *models.InspectionRecord) error {
	rec.DriverID = strings.TrimSpace(rec.DriverID)
	rec.VehicleID = strings.TrimSpace(rec.VehicleID)
	if rec.DriverID == "" {
		return apperr.Validation("driver_id", "driver id is required")
	}
	if rec.VehicleID == "" {
		return apperr.Validation("vehicle_id", "vehicle id is required")
	}
	if rec.Type != models.InspectionPreTrip && rec.Type != models.InspectionPostTrip {
		return apperr.Validation("type", fmt.Sprintf("invalid inspection type %q", rec.Type))
	}
	if rec.Odometer < 0 {
		return apperr.Validation("odometer", "odometer must not be negative")
	}
	if len(rec.Items) == 0 {
		return apperr.Validation("items", "at least one inspection item is required")
	}
	for i, item := range rec.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(item.Category) == "" || strings.TrimSpace(item.Item) == "" {
			return apperr.Validation(field, "category and item are required")
		}
		switch item.Status {
		case models.ItemSatisfactory, models.ItemNotApplicable:
		case models.ItemDefective:
			if strings.TrimSpace(item.Remarks) == "" {
				return apperr.Validation(field+".remarks", "a defective item must describe the defect")
			}
		default:
			return apperr.Validation(field+".status", fmt.Sprintf("invalid item status %q", item.Status))
		}
	}
	for i, r := range rec.ResolvedDefects {
		field := fmt.Sprintf("resolved_defects[%d]", i)
		if strings.TrimSpace(r.Category) == "" || strings.TrimSpace(r.Item) == "" {
			return apperr.Validation(field, "category and item are required")
		}
		if strings.TrimSpace(r.CertifiedBy) == "" {
			return apperr.Validation(field+".certified_by", "a resolution must be certified")
		}
	}
	return nil
}

// IsVehicleEligible reports whether no defect reported at or before asOf
// (zero means now) is still unresolved.
func (l *Ledger) IsVehicleEligible(ctx context.Context, vehicleID string, asOf time.Time) (bool, error) {
	defects, err := l.OutstandingDefects(ctx, vehicleID, asOf)
	if err != nil {
		return false, err
	}
	return len(defects) == 0, nil
}

// Eligibility is IsVehicleEligible with the outstanding defects attached.
func (l *Ledger) Eligibility(ctx context.Context, vehicleID string, asOf time.Time) (models.VehicleEligibility, error) {
	if asOf.IsZero() {
		asOf = l.clock.Now().UTC()
	}
	defects, err := l.OutstandingDefects(ctx, vehicleID, asOf)
	if err != nil {
		return models.VehicleEligibility{}, err
	}
	return models.VehicleEligibility{VehicleID: vehicleID, Eligible: len(defects) == 0, Defects: defects, AsOf: asOf}, nil
}

// OutstandingDefects replays the vehicle's records up to asOf.
func (l *Ledger) OutstandingDefects(ctx context.Context, vehicleID string, asOf time.Time) ([]models.OutstandingDefect, error) {
	if vehicleID == "" {
		return nil, apperr.Validation("vehicle_id", "vehicle id is required")
	}
	records, err := l.records.FindInspections(ctx, vehicleID, asOf)
	if err != nil {
		return nil, fmt.Errorf("load inspections: %w", err)
	}
	defects := []models.OutstandingDefect{}
	for _, rec := range records {
		defects = applyRecord(defects, rec)
	}
	return defects, nil
}

// applyRecord removes the defects rec resolves, then adds the ones it
// reports. A defect reported again keeps its first report.
func applyRecord(defects []models.OutstandingDefect, rec models.InspectionRecord) []models.OutstandingDefect {
	resolved := make(map[string]bool, len(rec.ResolvedDefects))
	for _, r := range rec.ResolvedDefects {
		resolved[r.Key()] = true
	}
	out := make([]models.OutstandingDefect, 0, len(defects)+rec.DefectsFound)
	seen := make(map[string]bool, len(defects))
	for _, d := range defects {
		if resolved[d.Key()] {
			continue
		}
		out = append(out, d)
		seen[d.Key()] = true
	}
	for _, item := range rec.Items {
		if item.Status != models.ItemDefective || seen[item.Key()] {
			continue
		}
		seen[item.Key()] = true
		out = append(out, models.OutstandingDefect{
			Category:     item.Category,
			Item:         item.Item,
			Remarks:      item.Remarks,
			InspectionID: rec.ID,
			ReportedAt:   rec.SubmittedAt,
		})
	}
	return out
}
