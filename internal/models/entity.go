package models

import "time"

// Character is a named actor discovered in a conversation. Owner is a free-form
// back-reference to another character's name and is not checked.
type Character struct {
	ID             int64     `json:"-"`
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	AlternateNames []string  `json:"alternate_names"`
	Race           string    `json:"race"`
	Role           string    `json:"role"`
	Owner          string    `json:"owner"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"timestamp"`
}

// Names returns the primary name followed by every distinct alternate name.
func (c Character) Names() []string {
	names := []string{c.Name}
	seen := map[string]bool{c.Name: true}
	for _, alt := range c.AlternateNames {
		if alt == "" || seen[alt] {
			continue
		}
		seen[alt] = true
		names = append(names, alt)
	}
	return names
}

// Environment is a place detected in the narrative, keyed by EnvName.
type Environment struct {
	ID                  int64     `json:"-"`
	EnvName             string    `json:"env_name"`
	DescriptionOriginal string    `json:"description_original"`
	DescriptionUpdated  string    `json:"description_updated,omitempty"`
	CreatedAt           time.Time `json:"timestamp"`
	UpdatedAt           time.Time `json:"updated_at"`
}
