package types

import (
	"path"
	"strconv"
	"strings"
	"time"
)

// Scan is a user-submitted pest detection record. It associates an image
// and an optional location with a pest classification that an admin reviews.
type Scan struct {
	// ID is the unique identifier of the scan.
	ID int `json:"id" db:"id"`

	// UserID identifies the submitting user. It never changes.
	UserID int `json:"user_id" db:"user_id"`

	// FarmID references the farm the scan was taken on, if any.
	FarmID *int `json:"farm_id,omitempty" db:"farm_id"`

	// PestTypeID is set by automatic classification or by the reviewing admin.
	PestTypeID *int `json:"pest_type_id,omitempty" db:"pest_type_id"`

	// Confidence is the classifier score in [0, 1] when classified automatically.
	Confidence *float64 `json:"confidence,omitempty" db:"confidence"`

	// ImageRef is the object storage key of the uploaded image.
	ImageRef string `json:"image_ref,omitempty" db:"image_ref"`

	// Location holds the GPS coordinates reported by the client.
	Location *GeoPoint `json:"location,omitempty" db:"-"`

	// LocationText is a free-form description of where the scan was taken.
	LocationText string `json:"location_text,omitempty" db:"location_text"`

	// TreeCode identifies the scanned tree within the farm.
	TreeCode string `json:"tree_code,omitempty" db:"tree_code"`

	// Source tells whether the scan came from an image or a manual survey.
	Source ScanSource `json:"source" db:"source"`

	// Status is the current workflow state.
	Status ScanStatus `json:"status" db:"status"`

	// ReviewedBy is the admin who confirmed or rejected the scan.
	ReviewedBy *int `json:"reviewed_by,omitempty" db:"reviewed_by"`

	// ReviewedAt is when the scan reached a terminal state.
	ReviewedAt *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`

	// CreatedAt is the submission timestamp.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the last status change.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ScanSource describes how a scan was produced.
type ScanSource string

// Supported scan sources.
const (
	SourceImage  ScanSource = "image"
	SourceSurvey ScanSource = "survey"
)

// ScanStatus is the workflow state of a scan.
type ScanStatus string

// Workflow states. Submitted is initial, classified is reached only through
// automatic classification, confirmed and rejected are terminal.
const (
	ScanSubmitted  ScanStatus = "submitted"
	ScanClassified ScanStatus = "classified"
	ScanConfirmed  ScanStatus = "confirmed"
	ScanRejected   ScanStatus = "rejected"
)

// ScanStatuses lists every state in workflow order.
var ScanStatuses = []ScanStatus{ScanSubmitted, ScanClassified, ScanConfirmed, ScanRejected}

// Known reports whether s is one of the workflow states.
func (s ScanStatus) Known() bool {
	switch s {
	case ScanSubmitted, ScanClassified, ScanConfirmed, ScanRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s ScanStatus) Terminal() bool {
	return s == ScanConfirmed || s == ScanRejected
}

// Reviewable reports whether an admin may confirm or reject a scan in state s.
func (s ScanStatus) Reviewable() bool {
	return s == ScanSubmitted || s == ScanClassified
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s ScanStatus) CanTransitionTo(next ScanStatus) bool {
	switch next {
	case ScanClassified:
		return s == ScanSubmitted
	case ScanConfirmed, ScanRejected:
		return s.Reviewable()
	default:
		return false
	}
}

// ScanTransition describes a conditional status write. The store applies it
// only while the scan is still in one of the From states.
type ScanTransition struct {
	ScanID     int
	From       []ScanStatus
	To         ScanStatus
	PestTypeID *int
	Confidence *float64
	ReviewedBy *int
	At         time.Time
}

// Classification is the result of automatic pest classification.
type Classification struct {
	PestTypeID int     `json:"pest_type_id"`
	Confidence float64 `json:"confidence"`
}

// PestAlert announces a confirmed detection of a high-risk pest.
type PestAlert struct {
	ScanID      int       `json:"scan_id"`
	UserID      int       `json:"user_id"`
	FarmID      *int      `json:"farm_id,omitempty"`
	PestTypeID  int       `json:"pest_type_id"`
	PestName    string    `json:"pest_name"`
	RiskLevel   RiskLevel `json:"risk_level"`
	Location    *GeoPoint `json:"location,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// ScanImagePrefix is the object key prefix under which userID's scan images
// are stored.
func ScanImagePrefix(userID int) string {
	return "scans/" + strconv.Itoa(userID) + "/"
}

// OwnsImageRef reports whether ref is a clean object key below userID's
// image prefix.
func OwnsImageRef(userID int, ref string) bool {
	prefix := ScanImagePrefix(userID)
	return len(ref) > len(prefix) && strings.HasPrefix(ref, prefix) && path.Clean(ref) == ref
}
