package storage

import (
	"errors"
	"time"
)

// RoleAdmin grants full access to a website's reports.
const RoleAdmin = "admin"

// ErrDuplicateHostname is returned when creating a website whose hostname exists.
var ErrDuplicateHostname = errors.New("hostname already registered")

// Website is a registered site. The ID is a UUID assigned once at creation.
type Website struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	CreatedAt time.Time `json:"created_at"`
}

// Dimension names one of the per-key tallies kept on each hourly bucket.
type Dimension string

const (
	DimensionReferrers Dimension = "referrers"
	DimensionPages     Dimension = "pages"
	DimensionCountries Dimension = "countries"
	DimensionBrowsers  Dimension = "browsers"
)

// Dimensions lists every tally column in report order.
var Dimensions = []Dimension{DimensionReferrers, DimensionCountries, DimensionPages, DimensionBrowsers}

func (d Dimension) column() (string, bool) {
	switch d {
	case DimensionReferrers:
		return "referrers", true
	case DimensionPages:
		return "pages", true
	case DimensionCountries:
		return "country_codes", true
	case DimensionBrowsers:
		return "browsers", true
	default:
		return "", false
	}
}

// HourlyCount is one point of a time-series.
type HourlyCount struct {
	Hour  time.Time `json:"hour"`
	Count int64     `json:"count"`
}

// DimensionCount is the summed tally for one key across a window.
type DimensionCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// PageView is a single processed event, ready to be folded into its hour.
type PageView struct {
	WebsiteID   string
	Timestamp   time.Time
	Referrer    string
	Page        string
	CountryCode string
	Browser     string
	Unique      bool
}

// Visit is a page view together with the visitor it came from.
type Visit struct {
	PageView
	Fingerprint string
	// Returning skips the fingerprint insert for a visitor already known.
	Returning   bool
	IdleTimeout time.Duration
}

// Session is one visitor's contiguous activity on a website.
type Session struct {
	WebsiteID   string
	Fingerprint string
	Start       time.Time
	End         time.Time
}
