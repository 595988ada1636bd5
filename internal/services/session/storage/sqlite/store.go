// Package sqlite provides a SQLite-backed session storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/Klutzleo/TBA-App-sub000/internal/platform/storage/sqlitemigrate"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/storage"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists session collaborator state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite session store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutCampaign upserts one campaign ownership record.
func (s *Store) PutCampaign(ctx context.Context, campaign storage.Campaign) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id := strings.TrimSpace(campaign.ID)
	if id == "" {
		return fmt.Errorf("campaign id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO campaigns (id, name, narrator_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   narrator_id = excluded.narrator_id`,
		id,
		strings.TrimSpace(campaign.Name),
		strings.TrimSpace(campaign.NarratorID),
		toMillis(campaign.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put campaign: %w", err)
	}
	return nil
}

// GetCampaign returns one campaign record.
func (s *Store) GetCampaign(ctx context.Context, id string) (storage.Campaign, error) {
	if err := ctx.Err(); err != nil {
		return storage.Campaign{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Campaign{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Campaign{}, fmt.Errorf("campaign id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, narrator_id, created_at FROM campaigns WHERE id = ?`,
		id,
	)
	var campaign storage.Campaign
	var createdAt int64
	if err := row.Scan(&campaign.ID, &campaign.Name, &campaign.NarratorID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Campaign{}, storage.ErrNotFound
		}
		return storage.Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	campaign.CreatedAt = fromMillis(createdAt)
	return campaign, nil
}

// PutParty upserts one party record.
func (s *Store) PutParty(ctx context.Context, party storage.Party) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id := strings.TrimSpace(party.ID)
	if id == "" {
		return fmt.Errorf("party id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO parties (id, name, narrator_id, creator_id, campaign_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   narrator_id = excluded.narrator_id,
		   creator_id = excluded.creator_id,
		   campaign_id = excluded.campaign_id`,
		id,
		strings.TrimSpace(party.Name),
		strings.TrimSpace(party.NarratorID),
		strings.TrimSpace(party.CreatorID),
		strings.TrimSpace(party.CampaignID),
		toMillis(party.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put party: %w", err)
	}
	return nil
}

// GetParty returns one party record.
func (s *Store) GetParty(ctx context.Context, id string) (storage.Party, error) {
	if err := ctx.Err(); err != nil {
		return storage.Party{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Party{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Party{}, fmt.Errorf("party id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, narrator_id, creator_id, campaign_id, created_at
		 FROM parties WHERE id = ?`,
		id,
	)
	var party storage.Party
	var createdAt int64
	if err := row.Scan(&party.ID, &party.Name, &party.NarratorID, &party.CreatorID, &party.CampaignID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Party{}, storage.ErrNotFound
		}
		return storage.Party{}, fmt.Errorf("get party: %w", err)
	}
	party.CreatedAt = fromMillis(createdAt)
	return party, nil
}

// PutCharacter upserts one character record.
func (s *Store) PutCharacter(ctx context.Context, character storage.Character) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id := strings.TrimSpace(character.ID)
	if id == "" {
		return fmt.Errorf("character id is required")
	}
	name := strings.TrimSpace(character.Name)
	if name == "" {
		return fmt.Errorf("character name is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO characters
		   (id, name, power, intellect, social, edge, bonus_points, level,
		    current_damage, max_damage, attack_die, defense_die, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   power = excluded.power,
		   intellect = excluded.intellect,
		   social = excluded.social,
		   edge = excluded.edge,
		   bonus_points = excluded.bonus_points,
		   level = excluded.level,
		   current_damage = excluded.current_damage,
		   max_damage = excluded.max_damage,
		   attack_die = excluded.attack_die,
		   defense_die = excluded.defense_die,
		   updated_at = excluded.updated_at`,
		id,
		name,
		character.Power,
		character.Intellect,
		character.Social,
		character.Edge,
		character.BonusPoints,
		character.Level,
		character.CurrentDamage,
		character.MaxDamage,
		strings.TrimSpace(character.AttackDie),
		strings.TrimSpace(character.DefenseDie),
		toMillis(character.CreatedAt),
		toMillis(character.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put character: %w", err)
	}
	return nil
}

// GetCharacter returns one character record.
func (s *Store) GetCharacter(ctx context.Context, id string) (storage.Character, error) {
	if err := ctx.Err(); err != nil {
		return storage.Character{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Character{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Character{}, fmt.Errorf("character id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, power, intellect, social, edge, bonus_points, level,
		        current_damage, max_damage, attack_die, defense_die, created_at, updated_at
		 FROM characters WHERE id = ?`,
		id,
	)
	return scanCharacter(row)
}

// AddPartyMember records formal party membership for a character.
func (s *Store) AddPartyMember(ctx context.Context, partyID string, characterID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	partyID = strings.TrimSpace(partyID)
	characterID = strings.TrimSpace(characterID)
	if partyID == "" {
		return fmt.Errorf("party id is required")
	}
	if characterID == "" {
		return fmt.Errorf("character id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO party_members (party_id, character_id, created_at) VALUES (?, ?, ?)`,
		partyID,
		characterID,
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("add party member: %w", err)
	}
	return nil
}

// ListPartyCharacters returns characters that are formal members of the party.
func (s *Store) ListPartyCharacters(ctx context.Context, partyID string) ([]storage.Character, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	partyID = strings.TrimSpace(partyID)
	if partyID == "" {
		return nil, fmt.Errorf("party id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT c.id, c.name, c.power, c.intellect, c.social, c.edge, c.bonus_points, c.level,
		        c.current_damage, c.max_damage, c.attack_die, c.defense_die, c.created_at, c.updated_at
		 FROM characters c
		 JOIN party_members m ON m.character_id = c.id
		 WHERE m.party_id = ?
		 ORDER BY c.name COLLATE NOCASE`,
		partyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list party characters: %w", err)
	}
	defer rows.Close()

	var characters []storage.Character
	for rows.Next() {
		character, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		characters = append(characters, character)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list party characters: %w", err)
	}
	return characters, nil
}

// PutNPC upserts one party-scoped NPC record.
func (s *Store) PutNPC(ctx context.Context, npc storage.NPC) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id := strings.TrimSpace(npc.ID)
	if id == "" {
		return fmt.Errorf("npc id is required")
	}
	partyID := strings.TrimSpace(npc.PartyID)
	if partyID == "" {
		return fmt.Errorf("npc party id is required")
	}
	name := strings.TrimSpace(npc.Name)
	if name == "" {
		return fmt.Errorf("npc name is required")
	}

	hidden := 0
	if npc.Hidden {
		hidden = 1
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO npcs
		   (id, party_id, name, power, intellect, social, edge, bonus_points, level,
		    current_damage, max_damage, attack_die, defense_die, hidden, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   party_id = excluded.party_id,
		   name = excluded.name,
		   power = excluded.power,
		   intellect = excluded.intellect,
		   social = excluded.social,
		   edge = excluded.edge,
		   bonus_points = excluded.bonus_points,
		   level = excluded.level,
		   current_damage = excluded.current_damage,
		   max_damage = excluded.max_damage,
		   attack_die = excluded.attack_die,
		   defense_die = excluded.defense_die,
		   hidden = excluded.hidden,
		   updated_at = excluded.updated_at`,
		id,
		partyID,
		name,
		npc.Power,
		npc.Intellect,
		npc.Social,
		npc.Edge,
		npc.BonusPoints,
		npc.Level,
		npc.CurrentDamage,
		npc.MaxDamage,
		strings.TrimSpace(npc.AttackDie),
		strings.TrimSpace(npc.DefenseDie),
		hidden,
		toMillis(npc.CreatedAt),
		toMillis(npc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put npc: %w", err)
	}
	return nil
}

// GetNPC returns one NPC record.
func (s *Store) GetNPC(ctx context.Context, id string) (storage.NPC, error) {
	if err := ctx.Err(); err != nil {
		return storage.NPC{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.NPC{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.NPC{}, fmt.Errorf("npc id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, party_id, name, power, intellect, social, edge, bonus_points, level,
		        current_damage, max_damage, attack_die, defense_die, hidden, created_at, updated_at
		 FROM npcs WHERE id = ?`,
		id,
	)
	return scanNPC(row)
}

// ListPartyNPCs returns every NPC scoped to the party, hidden ones included.
// Visibility filtering belongs to the mention resolver, which knows whether
// the requester is the narrator.
func (s *Store) ListPartyNPCs(ctx context.Context, partyID string) ([]storage.NPC, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	partyID = strings.TrimSpace(partyID)
	if partyID == "" {
		return nil, fmt.Errorf("party id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, party_id, name, power, intellect, social, edge, bonus_points, level,
		        current_damage, max_damage, attack_die, defense_die, hidden, created_at, updated_at
		 FROM npcs WHERE party_id = ?
		 ORDER BY name COLLATE NOCASE`,
		partyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list party npcs: %w", err)
	}
	defer rows.Close()

	var npcs []storage.NPC
	for rows.Next() {
		npc, err := scanNPC(rows)
		if err != nil {
			return nil, err
		}
		npcs = append(npcs, npc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list party npcs: %w", err)
	}
	return npcs, nil
}

// NameExists reports whether a character member or party NPC already uses the
// name, case-insensitively.
func (s *Store) NameExists(ctx context.Context, partyID string, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	partyID = strings.TrimSpace(partyID)
	name = strings.TrimSpace(name)
	if partyID == "" {
		return false, fmt.Errorf("party id is required")
	}
	if name == "" {
		return false, fmt.Errorf("name is required")
	}

	var found int
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT 1 WHERE EXISTS (
		   SELECT 1 FROM characters c
		   JOIN party_members m ON m.character_id = c.id
		   WHERE m.party_id = ? AND c.name = ? COLLATE NOCASE
		 ) OR EXISTS (
		   SELECT 1 FROM npcs WHERE party_id = ? AND name = ? COLLATE NOCASE
		 )`,
		partyID,
		name,
		partyID,
		name,
	)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check name: %w", err)
	}
	return true, nil
}

// AppendAction records one resolved combat action.
func (s *Store) AppendAction(ctx context.Context, entry storage.ActionEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return fmt.Errorf("action id is required")
	}
	partyID := strings.TrimSpace(entry.PartyID)
	if partyID == "" {
		return fmt.Errorf("action party id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO action_log (id, party_id, actor_id, command, expression, breakdown, total, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		partyID,
		strings.TrimSpace(entry.ActorID),
		strings.TrimSpace(entry.Command),
		strings.TrimSpace(entry.Expression),
		entry.Breakdown,
		entry.Total,
		toMillis(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

// ListActions returns the most recent actions for a party, newest first.
func (s *Store) ListActions(ctx context.Context, partyID string, limit int) ([]storage.ActionEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	partyID = strings.TrimSpace(partyID)
	if partyID == "" {
		return nil, fmt.Errorf("party id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, party_id, actor_id, command, expression, breakdown, total, created_at
		 FROM action_log WHERE party_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		partyID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var entries []storage.ActionEntry
	for rows.Next() {
		var entry storage.ActionEntry
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.PartyID, &entry.ActorID, &entry.Command, &entry.Expression, &entry.Breakdown, &entry.Total, &createdAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		entry.CreatedAt = fromMillis(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row rowScanner) (storage.Character, error) {
	var character storage.Character
	var createdAt, updatedAt int64
	err := row.Scan(
		&character.ID,
		&character.Name,
		&character.Power,
		&character.Intellect,
		&character.Social,
		&character.Edge,
		&character.BonusPoints,
		&character.Level,
		&character.CurrentDamage,
		&character.MaxDamage,
		&character.AttackDie,
		&character.DefenseDie,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Character{}, storage.ErrNotFound
		}
		return storage.Character{}, fmt.Errorf("scan character: %w", err)
	}
	character.CreatedAt = fromMillis(createdAt)
	character.UpdatedAt = fromMillis(updatedAt)
	return character, nil
}

func scanNPC(row rowScanner) (storage.NPC, error) {
	var npc storage.NPC
	var hidden int
	var createdAt, updatedAt int64
	err := row.Scan(
		&npc.ID,
		&npc.PartyID,
		&npc.Name,
		&npc.Power,
		&npc.Intellect,
		&npc.Social,
		&npc.Edge,
		&npc.BonusPoints,
		&npc.Level,
		&npc.CurrentDamage,
		&npc.MaxDamage,
		&npc.AttackDie,
		&npc.DefenseDie,
		&hidden,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.NPC{}, storage.ErrNotFound
		}
		return storage.NPC{}, fmt.Errorf("scan npc: %w", err)
	}
	npc.Hidden = hidden != 0
	npc.CreatedAt = fromMillis(createdAt)
	npc.UpdatedAt = fromMillis(updatedAt)
	return npc, nil
}
