package types

// RiskLevel grades how dangerous a pest is to the plantation.
type RiskLevel string

// Supported risk levels.
const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// IsHigh reports whether the level warrants a pest alert.
func (r RiskLevel) IsHigh() bool {
	return r == RiskHigh || r == RiskCritical
}

// PestType is read-mostly reference data describing a detectable pest.
type PestType struct {
	// ID is the unique identifier of the pest type.
	ID int `json:"id" db:"id"`

	// Name is the common name, e.g. "Asiatic Palm Weevil".
	Name string `json:"name" db:"name"`

	// ScientificName is the binomial name, if recorded.
	ScientificName string `json:"scientific_name,omitempty" db:"scientific_name"`

	// Description is a short explanation shown in the knowledge views.
	Description string `json:"description,omitempty" db:"description"`

	// RiskLevel grades the threat posed by the pest.
	RiskLevel RiskLevel `json:"risk_level" db:"risk_level"`

	// Active marks pest types the classifier may still report.
	Active bool `json:"active" db:"is_active"`
}
