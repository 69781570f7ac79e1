package models

import (
	"strings"
	"time"
)

// InspectionType distinguishes pre-trip from post-trip reports.
type InspectionType string

const (
	InspectionPreTrip  InspectionType = "pre_trip"
	InspectionPostTrip InspectionType = "post_trip"
)

// ItemStatus is the finding for a single inspected item.
type ItemStatus string

const (
	ItemSatisfactory  ItemStatus = "satisfactory"
	ItemDefective     ItemStatus = "defective"
	ItemNotApplicable ItemStatus = "not_applicable"
)

// Condition is the overall outcome of an inspection.
type Condition string

const (
	ConditionSatisfactory Condition = "satisfactory"
	ConditionDefective    Condition = "defective"
)

// InspectionItem is one line of a DVIR checklist.
type InspectionItem struct {
	Category string     `bson:"category" json:"category"`
	Item     string     `bson:"item" json:"item"`
	Status   ItemStatus `bson:"status" json:"status"`
	Remarks  string     `bson:"remarks,omitempty" json:"remarks,omitempty"`
}

// Key identifies the item across reports for the same vehicle.
func (i InspectionItem) Key() string {
	return defectKey(i.Category, i.Item)
}

// DefectResolution certifies that a previously reported defect was repaired
// or does not need repair.
type DefectResolution struct {
	Category    string `bson:"category" json:"category"`
	Item        string `bson:"item" json:"item"`
	Remarks     string `bson:"remarks" json:"remarks"`
	CertifiedBy string `bson:"certified_by" json:"certified_by"`
}

// Key identifies the defect this resolution applies to.
func (r DefectResolution) Key() string {
	return defectKey(r.Category, r.Item)
}

func defectKey(category, item string) string {
	return strings.ToLower(strings.TrimSpace(category)) + "/" + strings.ToLower(strings.TrimSpace(item))
}

// InspectionRecord is a submitted Driver Vehicle Inspection Report.
// OverallCondition and DefectsFound are derived from Items on submit.
type InspectionRecord struct {
	ID               string             `bson:"_id" json:"id"`
	DriverID         string             `bson:"driver_id" json:"driver_id"`
	VehicleID        string             `bson:"vehicle_id" json:"vehicle_id"`
	Type             InspectionType     `bson:"type" json:"type"`
	Odometer         float64            `bson:"odometer" json:"odometer"`
	Items            []InspectionItem   `bson:"items" json:"items"`
	ResolvedDefects  []DefectResolution `bson:"resolved_defects,omitempty" json:"resolved_defects,omitempty"`
	OverallCondition Condition          `bson:"overall_condition" json:"overall_condition"`
	DefectsFound     int                `bson:"defects_found" json:"defects_found"`
	SubmittedAt      time.Time          `bson:"submitted_at" json:"submitted_at"`
}

// Derive recomputes the condition fields from the items.
func (r *InspectionRecord) Derive() {
	r.DefectsFound = 0
	for _, item := range r.Items {
		if item.Status == ItemDefective {
			r.DefectsFound++
		}
	}
	r.OverallCondition = ConditionSatisfactory
	if r.DefectsFound > 0 {
		r.OverallCondition = ConditionDefective
	}
}

// OutstandingDefect is a defective item that no later record has resolved.
type OutstandingDefect struct {
	Category     string    `json:"category"`
	Item         string    `json:"item"`
	Remarks      string    `json:"remarks"`
	InspectionID string    `json:"inspection_id"`
	ReportedAt   time.Time `json:"reported_at"`
}

// Key identifies the defect across reports for the same vehicle.
func (d OutstandingDefect) Key() string {
	return defectKey(d.Category, d.Item)
}

// VehicleEligibility is the dispatch status of a vehicle.
type VehicleEligibility struct {
	VehicleID string              `json:"vehicle_id"`
	Eligible  bool                `json:"eligible"`
	Defects   []OutstandingDefect `json:"defects"`
	AsOf      time.Time           `json:"as_of"`
}
