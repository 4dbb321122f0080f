package models

import "time"

const (
	MinStatValue = 0
	MaxStatValue = 100000
)

// Stats holds the six fixed game attributes of a character.
type Stats struct {
	Strength     int `json:"strength"`
	Defense      int `json:"defense"`
	Agility      int `json:"agility"`
	Intelligence int `json:"intelligence"`
	Magic        int `json:"magic"`
	Health       int `json:"health"`
}

// StatRecord attaches Stats to a character name. There is at most one per name.
type StatRecord struct {
	ID             int64     `json:"-"`
	Name           string    `json:"name"`
	ConversationID string    `json:"conversation_id"`
	Stats          Stats     `json:"stats"`
	CreatedAt      time.Time `json:"created_at"`
}
