// Package storage defines persistence contracts consumed by the live session
// engine.
//
// The store is the source of truth for characters, NPCs, parties, and
// campaigns; the session registry only caches snapshots of what it reads
// here. Writes from the session engine are limited to the append-only combat
// action log.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Kind distinguishes the two persisted participant record types.
type Kind string

const (
	KindCharacter Kind = "character"
	KindNPC       Kind = "npc"
)

// Character stores a player-controlled participant.
type Character struct {
	ID            string
	Name          string
	Power         int
	Intellect     int
	Social        int
	Edge          int
	BonusPoints   int
	Level         int
	CurrentDamage int
	MaxDamage     int
	AttackDie     string
	DefenseDie    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NPC stores a narrator-controlled participant scoped to one party.
type NPC struct {
	ID            string
	PartyID       string
	Name          string
	Power         int
	Intellect     int
	Social        int
	Edge          int
	BonusPoints   int
	Level         int
	CurrentDamage int
	MaxDamage     int
	AttackDie     string
	DefenseDie    string
	// Hidden keeps the NPC invisible to players until the narrator reveals it.
	Hidden    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Party stores a chat/combat channel grouping a set of participants.
//
// NarratorID is the legacy party-level narrator assignment; the campaign
// narrator takes precedence when both are set.
type Party struct {
	ID         string
	Name       string
	NarratorID string
	CreatorID  string
	CampaignID string
	CreatedAt  time.Time
}

// Campaign stores campaign-level ownership, including the authoritative
// narrator assignment.
type Campaign struct {
	ID         string
	Name       string
	NarratorID string
	CreatedAt  time.Time
}

// ActionEntry records one resolved combat action for the append-only log.
type ActionEntry struct {
	ID         string
	PartyID    string
	ActorID    string
	Command    string
	Expression string
	Breakdown  string
	Total      int
	CreatedAt  time.Time
}

// CharacterStore reads persisted characters.
type CharacterStore interface {
	GetCharacter(ctx context.Context, id string) (Character, error)
	// ListPartyCharacters returns characters that are formal members of the party.
	ListPartyCharacters(ctx context.Context, partyID string) ([]Character, error)
}

// NPCStore reads persisted party-scoped NPCs.
type NPCStore interface {
	GetNPC(ctx context.Context, id string) (NPC, error)
	ListPartyNPCs(ctx context.Context, partyID string) ([]NPC, error)
}

// PartyStore reads party and campaign ownership records.
type PartyStore interface {
	GetParty(ctx context.Context, id string) (Party, error)
	GetCampaign(ctx context.Context, id string) (Campaign, error)
}

// NameIndex answers case-insensitive name uniqueness queries within a party
// scope, across both characters and NPCs.
type NameIndex interface {
	NameExists(ctx context.Context, partyID string, name string) (bool, error)
}

// ActionLog appends resolved combat actions. Append failures are logged by
// callers and never block command resolution.
type ActionLog interface {
	AppendAction(ctx context.Context, entry ActionEntry) error
}

// Store combines every persistence contract the session engine consumes.
type Store interface {
	CharacterStore
	NPCStore
	PartyStore
	NameIndex
	ActionLog
}
