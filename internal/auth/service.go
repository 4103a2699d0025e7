package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"saleslens.org/internal/ids"
)

const (
	defaultSessionTTL    = 2 * time.Hour
	defaultRegionRefresh = 5 * time.Minute
	defaultMaxLifetime   = 12 * time.Hour
)

// Service authenticates users and owns the session lifecycle:
// created by Authenticate, checked by Validate, destroyed by Revoke or expiry.
type Service struct {
	store    Store
	sessions SessionStore
	tokens   *tokenCodec
	now      func() time.Time

	ttl           time.Duration
	regionRefresh time.Duration
	sliding       bool
	maxLifetime   time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSessionTTL configures how long a session lives after login.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.ttl = ttl
		}
		return nil
	}
}

// WithRegionRefresh bounds the age of a session's region snapshot.
func WithRegionRefresh(interval time.Duration) ServiceOption {
	return func(s *Service) error {
		if interval > 0 {
			s.regionRefresh = interval
		}
		return nil
	}
}

// WithSlidingExpiry extends a session on every successful Validate, never past
// its creation time plus maxLifetime.
func WithSlidingExpiry(maxLifetime time.Duration) ServiceOption {
	return func(s *Service) error {
		s.sliding = true
		if maxLifetime > 0 {
			s.maxLifetime = maxLifetime
		}
		return nil
	}
}

// NewService constructs Service. secret signs session tokens.
func NewService(store Store, sessions SessionStore, secret []byte, opts ...ServiceOption) (*Service, error) {
	if store == nil || sessions == nil {
		return nil, errors.New("auth: store and session store are required")
	}
	if len(secret) < 16 {
		return nil, errors.New("auth: token secret must be at least 16 bytes")
	}
	svc := &Service{
		store:         store,
		sessions:      sessions,
		now:           time.Now,
		ttl:           defaultSessionTTL,
		regionRefresh: defaultRegionRefresh,
		maxLifetime:   defaultMaxLifetime,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.tokens = &tokenCodec{secret: secret, now: svc.now}
	if svc.maxLifetime < svc.ttl {
		svc.maxLifetime = svc.ttl
	}
	return svc, nil
}

// Authenticate verifies credentials and opens a session. Wrong usernames and
// wrong passwords both yield ErrInvalidCredentials after one bcrypt comparison;
// ErrAccountInactive is only reported once the password has matched.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Session, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		burnDummyCompare(password)
		return Session{}, "", ErrInvalidCredentials
	}
	user, err := s.store.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			burnDummyCompare(password)
			return Session{}, "", ErrInvalidCredentials
		}
		return Session{}, "", fmt.Errorf("load user: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Session{}, "", ErrInvalidCredentials
	}
	if !user.IsActive {
		return Session{}, "", ErrAccountInactive
	}

	regions, err := s.regionsFor(ctx, user.ID)
	if err != nil {
		return Session{}, "", err
	}
	now := s.now().UTC()
	sess := Session{
		ID:          ids.NewAt(now),
		UserID:      user.ID,
		Username:    user.Username,
		FullName:    user.FullName,
		Regions:     regions,
		IsAdmin:     user.IsAdmin,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
		RefreshedAt: now,
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		return Session{}, "", fmt.Errorf("store session: %w", err)
	}
	token, err := s.tokens.issue(sess, s.tokenNotAfter(sess))
	if err != nil {
		_ = s.sessions.Delete(ctx, sess.ID)
		return Session{}, "", err
	}
	return sess, token, nil
}

// Validate resolves a token to its live session, refreshing the region
// snapshot when it is older than the refresh interval.
func (s *Service) Validate(ctx context.Context, token string) (Session, error) {
	id, uid, err := s.tokens.parse(token)
	if err != nil {
		return Session{}, err
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.UserID != uid {
		return Session{}, ErrSessionNotFound
	}
	now := s.now().UTC()
	if sess.Expired(now) {
		return Session{}, ErrSessionExpired
	}

	dirty := false
	if now.Sub(sess.RefreshedAt) >= s.regionRefresh {
		user, err := s.store.UserByID(ctx, sess.UserID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				_ = s.sessions.Delete(ctx, sess.ID)
				return Session{}, ErrSessionNotFound
			}
			return Session{}, fmt.Errorf("reload user: %w", err)
		}
		if !user.IsActive {
			_ = s.sessions.Delete(ctx, sess.ID)
			return Session{}, ErrSessionNotFound
		}
		regions, err := s.regionsFor(ctx, sess.UserID)
		if err != nil {
			return Session{}, err
		}
		sess.Regions = regions
		sess.IsAdmin = user.IsAdmin
		sess.RefreshedAt = now
		dirty = true
	}
	if s.sliding {
		next := now.Add(s.ttl)
		if limit := sess.CreatedAt.Add(s.maxLifetime); next.After(limit) {
			next = limit
		}
		if next.After(sess.ExpiresAt) {
			sess.ExpiresAt = next
			dirty = true
		}
	}
	if dirty {
		// A revoke may have landed since Get.
		if err := s.sessions.Replace(ctx, sess); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return Session{}, ErrSessionNotFound
			}
			return Session{}, fmt.Errorf("store session: %w", err)
		}
	}
	return sess, nil
}

// Revoke destroys the session behind token. Unknown, malformed and already
// revoked tokens are a no-op.
func (s *Service) Revoke(ctx context.Context, token string) error {
	id, ok := s.tokens.sessionID(token)
	if !ok {
		return nil
	}
	return s.sessions.Delete(ctx, id)
}

// TTL reports the configured session lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) regionsFor(ctx context.Context, userID int64) ([]Region, error) {
	grants, err := s.store.Grants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	return AccessibleRegions(grants), nil
}

func (s *Service) tokenNotAfter(sess Session) time.Time {
	if s.sliding {
		return sess.CreatedAt.Add(s.maxLifetime)
	}
	return sess.ExpiresAt
}
