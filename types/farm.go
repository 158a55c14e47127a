package types

import "time"

// Farm is a plantation registered by a user. Scans may reference it.
type Farm struct {
	// ID is the unique identifier of the farm.
	ID int `json:"id" db:"id"`

	// UserID identifies the owning user. It never changes.
	UserID int `json:"user_id" db:"user_id"`

	// Name is the human-readable farm name.
	Name string `json:"name" db:"name"`

	// LocationText is a free-form address (barangay, city, province).
	LocationText string `json:"location_text,omitempty" db:"location_text"`

	// Location holds the farm coordinates when known.
	Location *GeoPoint `json:"location,omitempty" db:"-"`

	// CreatedAt is the timestamp when the farm was registered.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether both coordinates are within range.
func (p GeoPoint) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}
