package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gravityauth.org/internal/ids"
	"gravityauth.org/internal/token"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// OpenPG opens a pooled connection and wraps it as a Store.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing handle (used by tests and cmd wiring).
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Users() UserStore                 { return &userPG{db: s.db} }
func (s *PGStore) Roles() RoleStore                 { return &rolePG{db: s.db} }
func (s *PGStore) RefreshTokens() RefreshTokenStore { return &refreshPG{db: s.db} }

// User store ---------------------------------------------------------------
type userPG struct{ db *sql.DB }

func (s *userPG) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, active, role_name) values($1,$2,$3,$4,$5)`,
		u.ID, u.Email, u.PasswordHash, u.Active, u.RoleName,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrAlreadyExists
	}
	return err
}

const userColumns = `id, email, password_hash, active, role_name, created_at, updated_at, last_login_at`

func scanUser(row *sql.Row) (*User, error) {
	var (
		u         User
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active, &u.RoleName, &u.CreatedAt, &u.UpdatedAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func (s *userPG) FindByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *userPG) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email)
	return scanUser(row)
}

func (s *userPG) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, userID, passwordHash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *userPG) TouchLastLogin(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update users set last_login_at=now() where id=$1`, userID)
	return err
}

// Role store ---------------------------------------------------------------
type rolePG struct{ db *sql.DB }

func (s *rolePG) FindByName(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, description, permissions, created_at, updated_at from roles where name=$1`, name)
	var (
		role  Role
		perms []byte
	)
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &perms, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(perms, &role.Permissions); err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *rolePG) Ensure(ctx context.Context, roles []Role) error {
	for _, r := range roles {
		if r.ID == "" {
			r.ID = ids.New()
		}
		perms, err := json.Marshal(r.Permissions)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			`insert into roles(id, name, description, permissions) values($1,$2,$3,$4)
			 on conflict (name) do nothing`,
			r.ID, r.Name, r.Description, perms,
		); err != nil {
			return err
		}
	}
	return nil
}

// Refresh token store ------------------------------------------------------
type refreshPG struct{ db *sql.DB }

func (s *refreshPG) Create(ctx context.Context, rec *token.RefreshRecord) error {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, subject_id, family_id, token_hash, expires_at, revoked)
		 values($1,$2,$3,$4,$5,false)`,
		rec.ID, rec.Subject, rec.Family, rec.TokenHash, rec.ExpiresAt,
	)
	return err
}

func (s *refreshPG) FindByHash(ctx context.Context, hash string) (*token.RefreshRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, subject_id, family_id, token_hash, expires_at, created_at, revoked
		 from refresh_tokens where token_hash=$1`, hash)
	var rec token.RefreshRecord
	if err := row.Scan(&rec.ID, &rec.Subject, &rec.Family, &rec.TokenHash, &rec.ExpiresAt, &rec.CreatedAt, &rec.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// RevokeIfLatest consumes the record in a single conditional update so
// exactly one concurrent rotation wins per refresh token.
func (s *refreshPG) RevokeIfLatest(ctx context.Context, familyID, tokenID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true
		 where family_id=$1 and id=$2 and not revoked`,
		familyID, tokenID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *refreshPG) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where family_id=$1 and not revoked`, familyID)
	return err
}
