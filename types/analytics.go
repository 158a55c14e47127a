package types

import "time"

// Analytics results are computed per request and never persisted.

// DashboardSummary is the per-user landing view.
type DashboardSummary struct {
	TotalScans     int                `json:"total_scans"`
	TodayScans     int                `json:"today_scans"`
	YesterdayScans int                `json:"yesterday_scans"`
	ScansByStatus  map[ScanStatus]int `json:"scans_by_status"`
	TotalFarms     int                `json:"total_farms"`
	LatestScanAt   *time.Time         `json:"latest_scan_at,omitempty"`
}

// CountBucket is a labelled count in a grouping.
type CountBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// DailyBucket is the number of scans submitted on one calendar day.
type DailyBucket struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// MonthlyBucket is the number of scans submitted in one calendar month.
type MonthlyBucket struct {
	Year  int    `json:"year"`
	Month string `json:"month"`
	Count int    `json:"count"`
}

// FarmSummary reports scan activity for one farm.
type FarmSummary struct {
	FarmID       int        `json:"farm_id"`
	Name         string     `json:"name"`
	LocationText string     `json:"location_text,omitempty"`
	ScanCount    int        `json:"scan_count"`
	LatestScanAt *time.Time `json:"latest_scan_at,omitempty"`
}

// SystemStats holds global totals for the admin dashboard.
type SystemStats struct {
	TotalUsers    int                `json:"total_users"`
	TotalFarms    int                `json:"total_farms"`
	TotalScans    int                `json:"total_scans"`
	ScansByStatus map[ScanStatus]int `json:"scans_by_status"`
	PendingReview int                `json:"pending_review"`
	HighRiskScans int                `json:"high_risk_scans"`
}

// ScanFilter narrows the scan set an aggregate query runs over.
// A nil UserID selects every user's scans.
type ScanFilter struct {
	UserID *int
	Since  *time.Time
	Until  *time.Time
}

// PestCount is a raw per-pest-type count. PestTypeID is nil for scans
// that were never classified.
type PestCount struct {
	PestTypeID *int
	Count      int
}

// FarmCount is a raw per-farm count.
type FarmCount struct {
	FarmID int
	Name   string
	Count  int
}
