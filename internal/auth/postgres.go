package auth

import (
	"context"
	"database/sql"
	"errors"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. The tables it reads carry no
// row-level policy, so no session context is needed for these lookups.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const userColumns = `user_id, username, coalesce(full_name, ''), coalesce(email, ''), password_hash, is_active, is_admin`

func (s *PGStore) UserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1`, username)
	return scanUser(row)
}

func (s *PGStore) UserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where user_id=$1`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.PasswordHash, &u.IsActive, &u.IsAdmin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *PGStore) Grants(ctx context.Context, userID int64) ([]AccessGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select r.region_id, r.region_name, r.region_code, coalesce(r.country, ''), g.access_level
		 from user_region_access g
		 join regions r on r.region_id = g.region_id
		 where g.user_id=$1 and r.is_active
		 order by r.region_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []AccessGrant
	for rows.Next() {
		g := AccessGrant{UserID: userID}
		var level string
		if err := rows.Scan(&g.Region.ID, &g.Region.Name, &g.Region.Code, &g.Region.Country, &level); err != nil {
			return nil, err
		}
		g.Level = AccessLevel(level)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
