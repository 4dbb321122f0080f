package character

import (
	"context"
	"fmt"
	"log"
	"strings"

	"narrachat/internal/config"
	"narrachat/internal/lock"
	"narrachat/internal/models"
	"narrachat/internal/service/ai"

	"github.com/cloudwego/eino/schema"
)

const extractionPrompt = `You are an expert in identifying names of characters, such as people or animals, in a text.
Description is mandatory, short and sweet.
Only output names as list as mentioned

Example 1:
Input: "John and his dog Max walked through the forest."
Output: [{
    "name": "John",
    "titles": [],
    "race": "Human",
    "role": null,
    "owner": null,
    "description": "Main character in the story."
},
{
    "name": "Max",
    "titles": [],
    "race": "Dog",
    "role": null,
    "owner": "John",
    "description": "John's faithful dog."
}]

Example 2:
Input: "The kingdom of Avalon was ruled by Queen Elaine, who had a fierce tiger named Rajah."
Output: [{
    "name": "Elaine",
    "titles": [],
    "race": "Human",
    "role": "Queen of Avalon",
    "owner": null,
    "description": "Ruler of the kingdom of Avalon."
},
{
    "name": "Rajah",
    "titles": [],
    "race": "Tiger",
    "role": null,
    "owner": "Elaine",
    "description": "Elaine's fierce tiger."
}]

Example 3:
Input: "The Night Killer, The Archangel, Weilder of Susanoo, Sasonki, is the heavenly King of Eden."
Output: [{
    "name": "Sasonki",
    "titles": ["The Night Killer", "The Archangel", "Weilder of Susanoo"],
    "race": "Angel",
    "role": "King of Eden.",
    "owner": null,
    "description": "Sasonki, known by many titles including The Night Killer, The Archangel, and Weilder of Susanoo, is the heavenly King of Eden."
}]

Example 4:
Input: "The city streets were bustling with people, but none stood out."
Output: []
`

// Store is what the extractor needs from the document store.
type Store interface {
	LatestMessage(ctx context.Context, conversationID string) (*models.Message, error)
	FindCharacter(ctx context.Context, conversationID, name string) (*models.Character, error)
	InsertCharacter(ctx context.Context, c models.Character) (*models.Character, bool, error)
}

// entry is one element of the model's JSON list. Titles are requested by the
// prompt but not stored.
type entry struct {
	Name           string   `json:"name"`
	Titles         []string `json:"titles"`
	AlternateNames []string `json:"alternate_names"`
	Race           string   `json:"race"`
	Role           string   `json:"role"`
	Owner          string   `json:"owner"`
	Description    string   `json:"description"`
}

// Extractor finds characters in the latest message of a conversation and
// records the ones not seen before. The first sighting of a name wins.
type Extractor struct {
	store     Store
	completer ai.Completer
	locker    lock.Locker
}

func NewExtractor(store Store, completer ai.Completer, locker lock.Locker) *Extractor {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Extractor{store: store, completer: completer, locker: locker}
}

// ProcessLatestMessage extracts characters from the newest message and returns
// the ones it inserted. Unparseable model output is returned as a
// *ai.MalformedOutputError and nothing is written.
func (e *Extractor) ProcessLatestMessage(ctx context.Context, conversationID string) ([]models.Character, error) {
	latest, err := e.store.LatestMessage(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("character extraction: %w", err)
	}
	raw, err := e.completer.Complete(ctx, config.TaskCharacter, []*schema.Message{
		schema.SystemMessage(extractionPrompt),
		schema.UserMessage(latest.Content),
	})
	if err != nil {
		return nil, fmt.Errorf("character extraction: %w", err)
	}
	entries, err := ai.ParseJSON[[]*entry]("character extraction", raw)
	if err != nil {
		return nil, err
	}

	inserted := make([]models.Character, 0, len(entries))
	for _, ent := range entries {
		if ent == nil || strings.TrimSpace(ent.Name) == "" {
			continue
		}
		c, ok, err := e.insert(ctx, conversationID, ent)
		if err != nil {
			return inserted, fmt.Errorf("character extraction: %w", err)
		}
		if ok {
			inserted = append(inserted, *c)
		}
	}
	return inserted, nil
}

func (e *Extractor) insert(ctx context.Context, conversationID string, ent *entry) (*models.Character, bool, error) {
	name := strings.TrimSpace(ent.Name)
	unlock, err := e.locker.Lock(ctx, "character:"+conversationID+":"+name)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	existing, err := e.store.FindCharacter(ctx, conversationID, name)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return nil, false, nil
	}
	alternates := ent.AlternateNames
	if alternates == nil {
		alternates = []string{}
	}
	c, ok, err := e.store.InsertCharacter(ctx, models.Character{
		ConversationID: conversationID,
		Name:           name,
		AlternateNames: alternates,
		Race:           ent.Race,
		Role:           ent.Role,
		Owner:          ent.Owner,
		Description:    ent.Description,
	})
	if err != nil {
		return nil, false, err
	}
	if !ok {
		log.Printf("character %s already known in %s", name, conversationID)
	}
	return c, ok, nil
}
