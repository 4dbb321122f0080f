package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"narrachat/internal/models"
)

const statColumns = `id, name, conversation_id, strength, defense, agility, intelligence, magic, health, created_at`

func scanStatRecord(row rowScanner) (models.StatRecord, error) {
	var r models.StatRecord
	err := row.Scan(&r.ID, &r.Name, &r.ConversationID,
		&r.Stats.Strength, &r.Stats.Defense, &r.Stats.Agility,
		&r.Stats.Intelligence, &r.Stats.Magic, &r.Stats.Health,
		&r.CreatedAt)
	return r, err
}

// InsertStats stores the stat record of a character. The boolean is false when
// the name already has stats; existing stats are never replaced.
func (s *Store) InsertStats(ctx context.Context, rec models.StatRecord) (*models.StatRecord, bool, error) {
	if rec.Name == "" {
		return nil, false, errors.New("stat record name is required")
	}
	rec.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stats (name, conversation_id, strength, defense, agility, intelligence, magic, health, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.ConversationID,
		rec.Stats.Strength, rec.Stats.Defense, rec.Stats.Agility,
		rec.Stats.Intelligence, rec.Stats.Magic, rec.Stats.Health,
		rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, nil
		}
		return nil, false, unavailable("insert stats", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return nil, false, unavailable("stats id", err)
	}
	return &rec, true, nil
}

// StatsFor returns the stat record of name, or nil.
func (s *Store) StatsFor(ctx context.Context, name string) (*models.StatRecord, error) {
	rec, err := scanStatRecord(s.db.QueryRowContext(ctx, `SELECT `+statColumns+` FROM stats WHERE name = ?`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("find stats", err)
	}
	return &rec, nil
}

// RecentStats returns up to limit stat records, newest first.
func (s *Store) RecentStats(ctx context.Context, limit int) ([]models.StatRecord, error) {
	if limit <= 0 {
		return []models.StatRecord{}, nil
	}
	return s.queryStats(ctx, "recent stats",
		`SELECT `+statColumns+` FROM stats ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// AllStats lists every stat record in creation order.
func (s *Store) AllStats(ctx context.Context) ([]models.StatRecord, error) {
	return s.queryStats(ctx, "list stats", `SELECT `+statColumns+` FROM stats ORDER BY id ASC`)
}

func (s *Store) queryStats(ctx context.Context, op, query string, args ...any) ([]models.StatRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	records := make([]models.StatRecord, 0)
	for rows.Next() {
		rec, err := scanStatRecord(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return records, nil
}
