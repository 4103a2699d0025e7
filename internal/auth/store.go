package auth

import "context"

// Store describes the read-only persistence the auth subsystem needs.
type Store interface {
	// UserByUsername returns ErrNotFound when no such user exists.
	UserByUsername(ctx context.Context, username string) (*User, error)
	// UserByID returns ErrNotFound when no such user exists.
	UserByID(ctx context.Context, id int64) (*User, error)
	// Grants lists the user's grants on active regions.
	Grants(ctx context.Context, userID int64) ([]AccessGrant, error)
}

// SessionStore keeps sessions keyed by session id.
type SessionStore interface {
	Put(ctx context.Context, s Session) error
	// Replace overwrites a held session and returns ErrSessionNotFound when
	// the id is gone, so a revoked session is never written back.
	Replace(ctx context.Context, s Session) error
	// Get returns ErrSessionNotFound for unknown ids. Expired sessions may
	// still be returned until they are swept.
	Get(ctx context.Context, id string) (Session, error)
	// Delete is a no-op for unknown ids.
	Delete(ctx context.Context, id string) error
}

// AccessibleRegions reduces grants to the readable region set, deduplicated
// and in grant order.
func AccessibleRegions(grants []AccessGrant) []Region {
	seen := make(map[int64]struct{}, len(grants))
	out := make([]Region, 0, len(grants))
	for _, g := range grants {
		if !g.Level.Readable() {
			continue
		}
		if _, dup := seen[g.Region.ID]; dup {
			continue
		}
		seen[g.Region.ID] = struct{}{}
		out = append(out, g.Region)
	}
	return out
}
