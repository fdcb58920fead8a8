package statedb

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kiwiadmin/kiwi/internal/kiwierr"
)

const userColumns = `id, username, password_hash, role, created_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return u, err
}

// GetUserByUsername returns a user by username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	u, err := scanUser(row)
	if err == pgx.ErrNoRows {
		return User{}, kiwierr.New(kiwierr.BadCredentials, "unknown username")
	}
	if err != nil {
		return User{}, kiwierr.Wrap(kiwierr.Internal, "fetching user", err)
	}
	return u, nil
}

// GetUser returns a user by id.
func (db *DB) GetUser(ctx context.Context, id int64) (User, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err == pgx.ErrNoRows {
		return User{}, kiwierr.New(kiwierr.NotFound, "user not found")
	}
	if err != nil {
		return User{}, kiwierr.Wrap(kiwierr.Internal, "fetching user", err)
	}
	return u, nil
}

// ListUsers returns every user, ordered by username.
func (db *DB) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, kiwierr.Wrap(kiwierr.Internal, "listing users", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, kiwierr.Wrap(kiwierr.Internal, "scanning user row", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, kiwierr.Wrap(kiwierr.Internal, "iterating users", err)
	}
	return out, nil
}

// HasAdminUser reports whether any Admin user exists.
func (db *DB) HasAdminUser(ctx context.Context) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE role = 'Admin')`).Scan(&exists)
	if err != nil {
		return false, kiwierr.Wrap(kiwierr.Internal, "checking for admin user", err)
	}
	return exists, nil
}

// DeleteUser removes a user by id.
func (db *DB) DeleteUser(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "deleting user", err)
	}
	if tag.RowsAffected() == 0 {
		return kiwierr.New(kiwierr.NotFound, "user not found")
	}
	return nil
}

// GetInvitation returns an invitation by id.
func (db *DB) GetInvitation(ctx context.Context, id uuid.UUID) (UserInvitation, error) {
	var inv UserInvitation
	var idStr string
	err := db.Pool.QueryRow(ctx, `SELECT id, role, created_at FROM user_invitations WHERE id = $1`, id).
		Scan(&idStr, &inv.Role, &inv.CreatedAt)
	if err == pgx.ErrNoRows {
		return UserInvitation{}, kiwierr.New(kiwierr.BadCredentials, "unknown invitation")
	}
	if err != nil {
		return UserInvitation{}, kiwierr.Wrap(kiwierr.Internal, "fetching invitation", err)
	}
	inv.ID = idStr
	return inv, nil
}

// ListInvitations returns every open invitation.
func (db *DB) ListInvitations(ctx context.Context) ([]UserInvitation, error) {
	rows, err := db.Pool.Query(ctx, `SELECT id, role, created_at FROM user_invitations ORDER BY created_at`)
	if err != nil {
		return nil, kiwierr.Wrap(kiwierr.Internal, "listing invitations", err)
	}
	defer rows.Close()

	var out []UserInvitation
	for rows.Next() {
		var inv UserInvitation
		var idStr string
		if err := rows.Scan(&idStr, &inv.Role, &inv.CreatedAt); err != nil {
			return nil, kiwierr.Wrap(kiwierr.Internal, "scanning invitation row", err)
		}
		inv.ID = idStr
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, kiwierr.Wrap(kiwierr.Internal, "iterating invitations", err)
	}
	return out, nil
}

// CreateInvitation inserts a fresh invitation for the given role. At most
// one unredeemed invitation per role may exist, enforced by a unique index.
func (db *DB) CreateInvitation(ctx context.Context, role Role) (UserInvitation, error) {
	id := uuid.New()

	var inv UserInvitation
	err := db.Pool.QueryRow(ctx, `INSERT INTO user_invitations (id, role) VALUES ($1, $2) RETURNING id, role, created_at`,
		id, role,
	).Scan(&inv.ID, &inv.Role, &inv.CreatedAt)
	if err != nil {
		return UserInvitation{}, kiwierr.Wrap(kiwierr.InvalidInput, "creating invitation", err)
	}
	return inv, nil
}

// DeleteInvitation removes an open invitation by id. Redemption does not use
// it: CreateUserFromInvitation deletes the invitation in its own transaction.
func (db *DB) DeleteInvitation(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM user_invitations WHERE id = $1`, id)
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "deleting invitation", err)
	}
	if tag.RowsAffected() == 0 {
		return kiwierr.New(kiwierr.NotFound, "invitation not found")
	}
	return nil
}

// CreateUserFromInvitation redeems invitation and creates the user in one
// transaction: the invitation is deleted and the user row inserted
// atomically, so a crash between the two can never strand one without the
// other.
func (db *DB) CreateUserFromInvitation(ctx context.Context, invitationID uuid.UUID, username, passwordHash string) (User, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return User{}, kiwierr.Wrap(kiwierr.Internal, "beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	var role Role
	err = tx.QueryRow(ctx, `DELETE FROM user_invitations WHERE id = $1 RETURNING role`, invitationID).Scan(&role)
	if err == pgx.ErrNoRows {
		return User{}, kiwierr.New(kiwierr.BadCredentials, "unknown invitation")
	}
	if err != nil {
		return User{}, kiwierr.Wrap(kiwierr.Internal, "redeeming invitation", err)
	}

	var u User
	err = tx.QueryRow(ctx, `INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3)
		RETURNING `+userColumns, username, passwordHash, role,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		return User{}, kiwierr.Wrap(kiwierr.InvalidInput, "creating user", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, kiwierr.Wrap(kiwierr.Internal, "committing user creation", err)
	}
	return u, nil
}

// GetOrCreateAdminInvitationIfNoAdminYet returns the existing open Admin
// invitation if one exists; else, if any Admin user already exists, returns
// nil; else creates and returns a fresh Admin invitation. Used once at boot
// to let the operator bootstrap the first admin account.
func (db *DB) GetOrCreateAdminInvitationIfNoAdminYet(ctx context.Context) (*UserInvitation, error) {
	invs, err := db.ListInvitations(ctx)
	if err != nil {
		return nil, err
	}
	for _, inv := range invs {
		if inv.Role == RoleAdmin {
			return &inv, nil
		}
	}

	hasAdmin, err := db.HasAdminUser(ctx)
	if err != nil {
		return nil, err
	}
	if hasAdmin {
		return nil, nil
	}

	inv, err := db.CreateInvitation(ctx, RoleAdmin)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
