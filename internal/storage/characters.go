package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"narrachat/internal/models"
)

const characterColumns = `c.id, c.conversation_id, c.name, c.alternate_names, c.race, c.role, c.owner, c.description, c.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row rowScanner) (models.Character, error) {
	var (
		c       models.Character
		altJSON string
	)
	if err := row.Scan(&c.ID, &c.ConversationID, &c.Name, &altJSON, &c.Race, &c.Role, &c.Owner, &c.Description, &c.CreatedAt); err != nil {
		return c, err
	}
	c.AlternateNames = []string{}
	if altJSON != "" {
		if err := json.Unmarshal([]byte(altJSON), &c.AlternateNames); err != nil {
			return c, fmt.Errorf("decode alternate names of %s: %w", c.Name, err)
		}
	}
	return c, nil
}

// FindCharacter looks a character up by its name or any alternate name within
// one conversation. It returns nil when nothing matches.
func (s *Store) FindCharacter(ctx context.Context, conversationID, name string) (*models.Character, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+characterColumns+` FROM character_names n
		 JOIN characters c ON c.id = n.character_id
		 WHERE n.conversation_id = ? AND n.name = ? LIMIT 1`,
		conversationID, name,
	)
	c, err := scanCharacter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("find character", err)
	}
	return &c, nil
}

// InsertCharacter stores c unless its name or one of its alternate names is
// already taken in the conversation. The boolean reports whether a row was
// written; a collision is not an error and leaves existing rows untouched.
func (s *Store) InsertCharacter(ctx context.Context, c models.Character) (*models.Character, bool, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, false, errors.New("character name is required")
	}
	if c.AlternateNames == nil {
		c.AlternateNames = []string{}
	}
	altJSON, err := json.Marshal(c.AlternateNames)
	if err != nil {
		return nil, false, fmt.Errorf("encode alternate names: %w", err)
	}
	c.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, unavailable("begin tx", err)
	}
	defer rollback(tx)

	names := c.Names()
	for _, name := range names {
		var taken bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM character_names WHERE conversation_id = ? AND name = ?)`,
			c.ConversationID, name,
		).Scan(&taken); err != nil {
			return nil, false, unavailable("check character name", err)
		}
		if taken {
			return nil, false, nil
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO characters (conversation_id, name, alternate_names, race, role, owner, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConversationID, c.Name, string(altJSON), c.Race, c.Role, c.Owner, c.Description, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, nil
		}
		return nil, false, unavailable("insert character", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return nil, false, unavailable("character id", err)
	}
	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO character_names (conversation_id, name, character_id) VALUES (?, ?, ?)`,
			c.ConversationID, name, c.ID,
		); err != nil {
			if isUniqueViolation(err) {
				return nil, false, nil
			}
			return nil, false, unavailable("insert character name", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, unavailable("commit character", err)
	}
	return &c, true, nil
}

// Characters lists the characters of one conversation in discovery order.
func (s *Store) Characters(ctx context.Context, conversationID string) ([]models.Character, error) {
	return s.queryCharacters(ctx, "list characters",
		`SELECT `+characterColumns+` FROM characters c WHERE c.conversation_id = ? ORDER BY c.id ASC`,
		conversationID,
	)
}

// CharactersByNames returns every character whose primary name is in names.
func (s *Store) CharactersByNames(ctx context.Context, names []string) ([]models.Character, error) {
	if len(names) == 0 {
		return []models.Character{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	return s.queryCharacters(ctx, "characters by name",
		`SELECT `+characterColumns+` FROM characters c WHERE c.name IN (`+placeholders+`) ORDER BY c.id ASC`,
		args...,
	)
}

// CharactersWithoutStats returns characters whose name is not among the
// distinct names of the stats collection.
func (s *Store) CharactersWithoutStats(ctx context.Context) ([]models.Character, error) {
	return s.queryCharacters(ctx, "characters without stats",
		`SELECT `+characterColumns+` FROM characters c
		 WHERE c.name NOT IN (SELECT DISTINCT name FROM stats) ORDER BY c.id ASC`,
	)
}

func (s *Store) queryCharacters(ctx context.Context, op, query string, args ...any) ([]models.Character, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	characters := make([]models.Character, 0)
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		characters = append(characters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return characters, nil
}
