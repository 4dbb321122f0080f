package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"narrachat/internal/config"
	"narrachat/internal/lock"
	"narrachat/internal/models"
	"narrachat/internal/service/ai"
	"narrachat/internal/storage"

	"github.com/cloudwego/eino/schema"
)

// historySize is how many recent stat records are shown to the model.
const historySize = 3

type Store interface {
	CharactersWithoutStats(ctx context.Context) ([]models.Character, error)
	CharactersByNames(ctx context.Context, names []string) ([]models.Character, error)
	RecentStats(ctx context.Context, limit int) ([]models.StatRecord, error)
	StatsFor(ctx context.Context, name string) (*models.StatRecord, error)
	InsertStats(ctx context.Context, rec models.StatRecord) (*models.StatRecord, bool, error)
}

// Synthesizer generates game stats once for every character that has none.
type Synthesizer struct {
	store     Store
	completer ai.Completer
	locker    lock.Locker
}

func NewSynthesizer(store Store, completer ai.Completer, locker lock.Locker) *Synthesizer {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Synthesizer{store: store, completer: completer, locker: locker}
}

// CheckForNewCharacters creates stats for characters lacking them and returns
// the new records. A character whose generation fails is logged and skipped;
// store failures abort the pass.
func (s *Synthesizer) CheckForNewCharacters(ctx context.Context) ([]models.StatRecord, error) {
	pending, err := s.store.CharactersWithoutStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("stat synthesis: %w", err)
	}
	created := make([]models.StatRecord, 0, len(pending))
	for _, c := range pending {
		rec, err := s.synthesize(ctx, c)
		if err != nil {
			if errors.Is(err, storage.ErrUnavailable) || ctx.Err() != nil {
				return created, fmt.Errorf("stat synthesis: %w", err)
			}
			log.Printf("stats for %s skipped: %v", c.Name, err)
			continue
		}
		if rec != nil {
			created = append(created, *rec)
		}
	}
	return created, nil
}

func (s *Synthesizer) synthesize(ctx context.Context, c models.Character) (*models.StatRecord, error) {
	unlock, err := s.locker.Lock(ctx, "stats:"+c.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.StatsFor(ctx, c.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}
	generated, err := s.GenerateInitialStats(ctx, c)
	if err != nil {
		return nil, err
	}
	rec, ok, err := s.store.InsertStats(ctx, models.StatRecord{
		Name:           c.Name,
		ConversationID: c.ConversationID,
		Stats:          generated,
	})
	if err != nil || !ok {
		return nil, err
	}
	return rec, nil
}

// historyEntry is a recent stat record merged with its character, without ids
// or timestamps.
type historyEntry struct {
	Name           string       `json:"name"`
	Stats          models.Stats `json:"stats"`
	ConversationID string       `json:"conversation_id,omitempty"`
	AlternateNames []string     `json:"alternate_names,omitempty"`
	Race           string       `json:"race,omitempty"`
	Role           string       `json:"role,omitempty"`
	Owner          string       `json:"owner,omitempty"`
	Description    string       `json:"description,omitempty"`
}

// GenerateInitialStats asks the model for the six stats of c, using the most
// recent stat records as examples. Output that is not one JSON object with all
// six keys in range is a *ai.MalformedOutputError.
func (s *Synthesizer) GenerateInitialStats(ctx context.Context, c models.Character) (models.Stats, error) {
	history, err := s.history(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	prompt, err := statsPrompt(c, history)
	if err != nil {
		return models.Stats{}, err
	}
	raw, err := s.completer.Complete(ctx, config.TaskStats, []*schema.Message{schema.SystemMessage(prompt)})
	if err != nil {
		return models.Stats{}, err
	}
	return ParseStats(raw)
}

func (s *Synthesizer) history(ctx context.Context) ([]historyEntry, error) {
	recent, err := s.store.RecentStats(ctx, historySize)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(recent))
	for _, r := range recent {
		names = append(names, r.Name)
	}
	chars, err := s.store.CharactersByNames(ctx, names)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]models.Character, len(chars))
	for _, c := range chars {
		byName[c.Name] = c
	}

	entries := make([]historyEntry, 0, len(recent))
	for _, r := range recent {
		e := historyEntry{Name: r.Name, Stats: r.Stats, ConversationID: r.ConversationID}
		if c, ok := byName[r.Name]; ok {
			e.ConversationID = c.ConversationID
			e.AlternateNames = c.AlternateNames
			e.Race = c.Race
			e.Role = c.Role
			e.Owner = c.Owner
			e.Description = c.Description
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func statsPrompt(c models.Character, history []historyEntry) (string, error) {
	var b strings.Builder
	b.WriteString("You are an expert in creating character stats for a role-playing game. The stats should align with the character's race, role, and description. The stat values can range from 0 to 100,000, allowing for unlimited growth. Do not be generous with stat points. Stat points above 10,000 are overpowered in this universe\n\n")
	if len(history) > 0 {
		data, err := json.MarshalIndent(history, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode stats history: %w", err)
		}
		fmt.Fprintf(&b, "Here are some previously generated stats for reference:\n%s\n\n", data)
	}
	alternates, err := json.Marshal(c.Names()[1:])
	if err != nil {
		return "", fmt.Errorf("encode alternate names: %w", err)
	}
	fmt.Fprintf(&b, "Character Details:\nName: %s\nAlternate Names: %s\nRace: %s\nRole: %s\nOwner: %s\nDescription: %s\n\n",
		c.Name, alternates, c.Race, c.Role, c.Owner, c.Description)
	b.WriteString("Generate a dictionary with the following attributes:\n")
	b.WriteString(`"strength": , "defense": , "agility": , "intelligence":, "magic":, "health":` + "\n\n")
	b.WriteString("Output only the dictionary, nothing else. Examples:\n")
	b.WriteString(`{ "strength": number, "defense": number, "agility": number, "intelligence": number, "magic": number, "health": number }` + "\n\n")
	b.WriteString("plain output below")
	return b.String(), nil
}

// ParseStats decodes the model's stat object. All six keys must be present and
// numeric within the stat domain; fractional values are rounded.
func ParseStats(raw string) (models.Stats, error) {
	const step = "stat generation"
	obj, err := ai.ParseJSON[map[string]any](step, raw)
	if err != nil {
		return models.Stats{}, err
	}
	var out models.Stats
	fields := []struct {
		key string
		dst *int
	}{
		{"strength", &out.Strength},
		{"defense", &out.Defense},
		{"agility", &out.Agility},
		{"intelligence", &out.Intelligence},
		{"magic", &out.Magic},
		{"health", &out.Health},
	}
	for _, f := range fields {
		v, ok := obj[f.key]
		if !ok {
			return models.Stats{}, &ai.MalformedOutputError{Step: step, Raw: raw, Err: fmt.Errorf("missing %s", f.key)}
		}
		n, ok := v.(float64)
		if !ok {
			return models.Stats{}, &ai.MalformedOutputError{Step: step, Raw: raw, Err: fmt.Errorf("%s is not a number", f.key)}
		}
		if n < models.MinStatValue || n > models.MaxStatValue {
			return models.Stats{}, &ai.MalformedOutputError{Step: step, Raw: raw, Err: fmt.Errorf("%s out of range: %v", f.key, n)}
		}
		*f.dst = int(math.Round(n))
	}
	return out, nil
}
