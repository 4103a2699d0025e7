package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type fakeStore struct {
	mu     sync.Mutex
	users  map[string]*User
	grants map[int64][]AccessGrant
}

func (f *fakeStore) UserByUsername(_ context.Context, username string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) UserByID(_ context.Context, id int64) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) Grants(_ context.Context, userID int64) ([]AccessGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AccessGrant(nil), f.grants[userID]...), nil
}

func (f *fakeStore) setGrants(userID int64, grants []AccessGrant) {
	f.mu.Lock()
	f.grants[userID] = grants
	f.mu.Unlock()
}

var (
	regionNA   = Region{ID: 1, Name: "North America", Code: "NA"}
	regionEU   = Region{ID: 2, Name: "Europe", Code: "EU"}
	regionAPAC = Region{ID: 3, Name: "Asia Pacific", Code: "APAC"}
)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return string(h)
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	return &fakeStore{
		users: map[string]*User{
			"alice": {ID: 10, Username: "alice", PasswordHash: mustHash(t, "alice-pw"), IsActive: true},
			"bob":   {ID: 11, Username: "bob", PasswordHash: mustHash(t, "bob-pw"), IsActive: true},
			"dave":  {ID: 12, Username: "dave", PasswordHash: mustHash(t, "dave-pw"), IsActive: false},
		},
		grants: map[int64][]AccessGrant{
			10: {
				{UserID: 10, Region: regionNA, Level: AccessRead},
				{UserID: 10, Region: regionEU, Level: AccessWrite},
			},
			11: {
				{UserID: 11, Region: regionNA, Level: AccessRead},
				{UserID: 11, Region: regionAPAC, Level: AccessLevel("none")},
			},
		},
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, store Store, opts ...ServiceOption) (*Service, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]ServiceOption{WithClock(clk.Now)}, opts...)
	svc, err := NewService(store, NewMemorySessionStore(), []byte("0123456789abcdef0123456789abcdef"), opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, clk
}

func TestAuthenticateAndValidate(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore(t))
	ctx := context.Background()

	sess, token, err := svc.Authenticate(ctx, "alice", "alice-pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if token == "" || sess.ID == "" {
		t.Fatalf("expected token and session id, got %q %q", token, sess.ID)
	}
	ids := sess.RegionIDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("unexpected region set: %v", ids)
	}

	got, err := svc.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.UserID != 10 || got.ID != sess.ID {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.Identity().RegionList() != "1,2" {
		t.Fatalf("unexpected region list: %q", got.Identity().RegionList())
	}
}

func TestAccessibleRegionsSkipsUnreadableGrants(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore(t))
	sess, _, err := svc.Authenticate(context.Background(), "bob", "bob-pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	ids := sess.RegionIDs()
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("bob should only see NA, got %v", ids)
	}
}

func TestAuthenticateEnumerationResistance(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore(t))
	ctx := context.Background()

	_, _, wrongPassword := svc.Authenticate(ctx, "alice", "nope")
	_, _, unknownUser := svc.Authenticate(ctx, "mallory", "nope")

	if !errors.Is(wrongPassword, ErrInvalidCredentials) || !errors.Is(unknownUser, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v / %v", wrongPassword, unknownUser)
	}
	if wrongPassword.Error() != unknownUser.Error() {
		t.Fatalf("error text differs: %q vs %q", wrongPassword, unknownUser)
	}
	if dummyHash == nil {
		t.Fatal("unknown user did not run a bcrypt comparison")
	}
}

func TestAuthenticateInactiveOnlyAfterPassword(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore(t))
	ctx := context.Background()

	if _, _, err := svc.Authenticate(ctx, "dave", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password on inactive account must look like any other failure, got %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, "dave", "dave-pw"); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestValidateExpiredSession(t *testing.T) {
	svc, clk := newTestService(t, newFakeStore(t), WithSessionTTL(30*time.Minute))
	ctx := context.Background()

	_, token, err := svc.Authenticate(ctx, "alice", "alice-pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	clk.Advance(29 * time.Minute)
	if _, err := svc.Validate(ctx, token); err != nil {
		t.Fatalf("session should still be valid: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := svc.Validate(ctx, token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestValidateUnknownAndTamperedTokens(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore(t))
	ctx := context.Background()

	if _, err := svc.Validate(ctx, "not-a-token"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	_, token, err := svc.Authenticate(ctx, "alice", "alice-pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]
	if _, err := svc.Validate(ctx, tampered); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for tampered token, got %v", err)
	}

	other, err := NewService(newFakeStore(t), NewMemorySessionStore(), []byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := other.Validate(ctx, token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("token signed with another secret must be rejected, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore(t))
	ctx := context.Background()

	_, token, err := svc.Authenticate(ctx, "alice", "alice-pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := svc.Revoke(ctx, token); err != nil {
			t.Fatalf("Revoke #%d: %v", i, err)
		}
	}
	if err := svc.Revoke(ctx, "garbage"); err != nil {
		t.Fatalf("Revoke unknown token: %v", err)
	}
	if _, err := svc.Validate(ctx, token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after revoke, got %v", err)
	}
}

func TestRegionSnapshotRefresh(t *testing.T) {
	store := newFakeStore(t)
	svc, clk := newTestService(t, store, WithRegionRefresh(time.Minute))
	ctx := context.Background()

	_, token, err := svc.Authenticate(ctx, "bob", "bob-pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	store.setGrants(11, []AccessGrant{
		{UserID: 11, Region: regionNA, Level: AccessRead},
		{UserID: 11, Region: regionAPAC, Level: AccessRead},
	})

	sess, err := svc.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(sess.Regions) != 1 {
		t.Fatalf("snapshot should not refresh before the interval, got %v", sess.RegionIDs())
	}

	clk.Advance(2 * time.Minute)
	sess, err = svc.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := sess.Identity().RegionList(); got != "1,3" {
		t.Fatalf("expected refreshed regions 1,3, got %q", got)
	}
}

func TestRefreshDropsDeactivatedUser(t *testing.T) {
	store := newFakeStore(t)
	svc, clk := newTestService(t, store, WithRegionRefresh(time.Minute))
	ctx := context.Background()

	_, token, err := svc.Authenticate(ctx, "alice", "alice-pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	store.mu.Lock()
	store.users["alice"].IsActive = false
	store.mu.Unlock()

	clk.Advance(2 * time.Minute)
	if _, err := svc.Validate(ctx, token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSlidingExpiry(t *testing.T) {
	svc, clk := newTestService(t, newFakeStore(t), WithSessionTTL(10*time.Minute), WithSlidingExpiry(25*time.Minute))
	ctx := context.Background()

	_, token, err := svc.Authenticate(ctx, "alice", "alice-pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	for i := 0; i < 2; i++ {
		clk.Advance(8 * time.Minute)
		if _, err := svc.Validate(ctx, token); err != nil {
			t.Fatalf("sliding session should be valid at step %d: %v", i, err)
		}
	}
	// 16 minutes in; the hard cap is 25.
	clk.Advance(10 * time.Minute)
	if _, err := svc.Validate(ctx, token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired past the lifetime cap, got %v", err)
	}
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewService(newFakeStore(t), NewMemorySessionStore(), []byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
}
