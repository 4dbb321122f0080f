package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"narrachat/internal/models"
)

const environmentColumns = `id, env_name, description_original, description_updated, created_at, updated_at`

func scanEnvironment(row rowScanner) (models.Environment, error) {
	var (
		env     models.Environment
		updated sql.NullString
	)
	if err := row.Scan(&env.ID, &env.EnvName, &env.DescriptionOriginal, &updated, &env.CreatedAt, &env.UpdatedAt); err != nil {
		return env, err
	}
	env.DescriptionUpdated = updated.String
	return env, nil
}

// FindEnvironment returns the environment named envName, or nil.
func (s *Store) FindEnvironment(ctx context.Context, envName string) (*models.Environment, error) {
	env, err := scanEnvironment(s.db.QueryRowContext(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE env_name = ?`, envName,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("find environment", err)
	}
	return &env, nil
}

// InsertEnvironment creates an environment with its original description. The
// boolean is false when envName already exists; the stored row is unchanged.
func (s *Store) InsertEnvironment(ctx context.Context, envName, description string) (*models.Environment, bool, error) {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return nil, false, errors.New("env_name is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO environments (env_name, description_original, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		envName, description, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, nil
		}
		return nil, false, unavailable("insert environment", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, unavailable("environment id", err)
	}
	return &models.Environment{
		ID:                  id,
		EnvName:             envName,
		DescriptionOriginal: description,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, true, nil
}

// UpdateEnvironmentDescription records a revisit description without touching
// the original one.
func (s *Store) UpdateEnvironmentDescription(ctx context.Context, envName, description string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE environments SET description_updated = ?, updated_at = ? WHERE env_name = ?`,
		description, time.Now().UTC(), envName,
	)
	if err != nil {
		return unavailable("update environment", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable("environment rows affected", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Environments lists all known environments in discovery order.
func (s *Store) Environments(ctx context.Context) ([]models.Environment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+environmentColumns+` FROM environments ORDER BY id ASC`)
	if err != nil {
		return nil, unavailable("list environments", err)
	}
	defer rows.Close()

	envs := make([]models.Environment, 0)
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, unavailable("scan environment", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list environments", err)
	}
	return envs, nil
}
