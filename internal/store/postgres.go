package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertWorkspace(ctx context.Context, workspace Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name
	`, workspace.ID, workspace.Name)
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name
	`, user.ID, user.DisplayName)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeactivateUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET deactivated_at=NOW() WHERE id=$1 AND deactivated_at IS NULL`, userID)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return nil
}

// AddMembership grants userID the given role in workspaceID, replacing any
// previous role.
func (s *PostgresStore) AddMembership(ctx context.Context, workspaceID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (workspace_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, workspaceID, userID, role)
	if err != nil {
		return fmt.Errorf("add membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMembership(ctx context.Context, workspaceID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspace_memberships WHERE workspace_id=$1 AND user_id=$2`, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}

// MemberRole returns the role of an active user in a workspace, or
// ErrNoMembership.
func (s *PostgresStore) MemberRole(ctx context.Context, workspaceID, userID string) (string, error) {
	const query = `
		SELECT wm.role
		FROM workspace_memberships wm
		JOIN users u ON u.id = wm.user_id
		WHERE wm.workspace_id = $1
			AND wm.user_id = $2
			AND u.deactivated_at IS NULL
	`
	var role string
	err := s.db.QueryRowContext(ctx, query, workspaceID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoMembership
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, workspaceID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, user_id, role, created_at
		FROM workspace_memberships
		WHERE workspace_id=$1
		ORDER BY user_id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// PruneRevokedTokens deletes revocations whose tokens have expired anyway.
func (s *PostgresStore) PruneRevokedTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("prune revoked tokens: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
