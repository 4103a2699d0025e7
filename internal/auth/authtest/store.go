// Package authtest provides an in-memory auth.Store seeded like the demo
// database.
package authtest

import (
	"context"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"saleslens.org/internal/auth"
)

var (
	RegionNA    = auth.Region{ID: 1, Name: "North America", Code: "NA", Country: "US"}
	RegionEU    = auth.Region{ID: 2, Name: "Europe", Code: "EU", Country: "DE"}
	RegionAPAC  = auth.Region{ID: 3, Name: "Asia Pacific", Code: "APAC", Country: "SG"}
	RegionLATAM = auth.Region{ID: 4, Name: "Latin America", Code: "LATAM", Country: "BR"}
)

// Demo users. Passwords are the username followed by "-pw".
const (
	AliceID int64 = 1 // NA, EU
	BobID   int64 = 2 // NA
	CarolID int64 = 3 // admin
	DaveID  int64 = 4 // inactive
)

type Store struct {
	mu     sync.Mutex
	users  map[string]*auth.User
	grants map[int64][]auth.AccessGrant
}

// NewStore returns the demo users with cheap bcrypt hashes.
func NewStore(t testing.TB) *Store {
	t.Helper()
	s := &Store{users: map[string]*auth.User{}, grants: map[int64][]auth.AccessGrant{}}
	s.AddUser(t, auth.User{ID: AliceID, Username: "alice", FullName: "Alice Analyst", IsActive: true}, "alice-pw")
	s.AddUser(t, auth.User{ID: BobID, Username: "bob", FullName: "Bob Buyer", IsActive: true}, "bob-pw")
	s.AddUser(t, auth.User{ID: CarolID, Username: "carol", FullName: "Carol Admin", IsActive: true, IsAdmin: true}, "carol-pw")
	s.AddUser(t, auth.User{ID: DaveID, Username: "dave", IsActive: false}, "dave-pw")
	s.SetGrants(AliceID, RegionNA, RegionEU)
	s.SetGrants(BobID, RegionNA)
	return s
}

// AddUser stores u with a hash of password.
func (s *Store) AddUser(t testing.TB, u auth.User, password string) {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u.PasswordHash = string(h)
	s.mu.Lock()
	s.users[u.Username] = &u
	s.mu.Unlock()
}

// SetGrants replaces the user's grants with read grants on regions.
func (s *Store) SetGrants(userID int64, regions ...auth.Region) {
	grants := make([]auth.AccessGrant, 0, len(regions))
	for _, r := range regions {
		grants = append(grants, auth.AccessGrant{UserID: userID, Region: r, Level: auth.AccessRead})
	}
	s.mu.Lock()
	s.grants[userID] = grants
	s.mu.Unlock()
}

// SetActive flips a user's active flag.
func (s *Store) SetActive(username string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[username]; ok {
		u.IsActive = active
	}
}

func (s *Store) UserByUsername(_ context.Context, username string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UserByID(_ context.Context, id int64) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *Store) Grants(_ context.Context, userID int64) ([]auth.AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]auth.AccessGrant(nil), s.grants[userID]...), nil
}
