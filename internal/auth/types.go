package auth

import (
	"strconv"
	"strings"
	"time"
)

// User is a provisioned account. The core never creates or mutates users.
type User struct {
	ID           int64
	Username     string
	FullName     string
	Email        string
	PasswordHash string
	IsActive     bool
	IsAdmin      bool
}

// Region is a partition of the sales data and the unit of row-level access.
type Region struct {
	ID      int64  `json:"region_id"`
	Name    string `json:"region_name"`
	Code    string `json:"region_code"`
	Country string `json:"country,omitempty"`
}

// AccessLevel is the level recorded on a region grant.
type AccessLevel string

const (
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
	AccessAdmin AccessLevel = "admin"
)

// Readable reports whether a grant at this level allows reading the region.
func (l AccessLevel) Readable() bool {
	switch AccessLevel(strings.ToLower(string(l))) {
	case AccessRead, AccessWrite, AccessAdmin:
		return true
	default:
		return false
	}
}

// AccessGrant links a user to a region.
type AccessGrant struct {
	UserID int64
	Region Region
	Level  AccessLevel
}

// Session is the server-held state behind a session token.
type Session struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	FullName    string    `json:"full_name,omitempty"`
	Regions     []Region  `json:"regions"`
	IsAdmin     bool      `json:"is_admin"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Expired reports whether the session has passed its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RegionIDs returns the accessible-region set snapshot.
func (s Session) RegionIDs() []int64 {
	out := make([]int64, 0, len(s.Regions))
	for _, r := range s.Regions {
		out = append(out, r.ID)
	}
	return out
}

// Identity is what gets pushed into the data engine session context.
func (s Session) Identity() Identity {
	return Identity{UserID: s.UserID, IsAdmin: s.IsAdmin, Regions: s.RegionIDs()}
}

// Identity is the minimal per-request principal seen by row-level policy.
type Identity struct {
	UserID  int64
	IsAdmin bool
	Regions []int64
}

// RegionList serialises the region set as a compact comma list ("1,2").
func (id Identity) RegionList() string {
	parts := make([]string, 0, len(id.Regions))
	for _, r := range id.Regions {
		parts = append(parts, strconv.FormatInt(r, 10))
	}
	return strings.Join(parts, ",")
}
