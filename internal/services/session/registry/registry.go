// Package registry tracks live connections per party and caches participant
// stat snapshots, party ownership metadata, and the party's active encounter.
//
// The registry owns the only mutable shared state in the session engine.
// Every mutation of a party's connections, cache, or encounter goes through a
// registry method and is serialized behind that party's lock, so two
// concurrently issued commands can never interleave and corrupt turn state.
//
// Cache entries are advisory, not authoritative: the persistence collaborator
// remains the source of truth for damage and status, and a snapshot may be
// stale between an external update and the next refresh.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"

	"github.com/Klutzleo/TBA-App-sub000/internal/random"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/encounter"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/mention"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/storage"
)

// ErrParticipantNotFound indicates a join or command referenced an id that is
// neither a persisted character nor a persisted NPC.
var ErrParticipantNotFound = errors.New("participant not found")

// Role marks a connection's authority within a party.
type Role string

const (
	RolePlayer   Role = "player"
	RoleNarrator Role = "narrator"
)

// Sender delivers one message to a live connection. The transport implements
// it; wire framing stays out of the registry.
type Sender interface {
	Send(message Message) error
}

// Message is the broadcast payload fanned out to connections.
type Message struct {
	Type      string            `json:"type"`
	PartyID   string            `json:"party_id"`
	Sender    string            `json:"sender"`
	Content   string            `json:"content"`
	Timestamp string            `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Conn is one live client link inside a party.
type Conn struct {
	ID            string
	ParticipantID string
	// Name is the cached display name used for whisper matching.
	Name   string
	Role   Role
	sender Sender
}

// NewConn builds a connection around a transport sender.
func NewConn(id string, sender Sender) *Conn {
	return &Conn{ID: id, sender: sender}
}

// Send delivers a message to the connection's transport.
func (c *Conn) Send(message Message) error {
	if c == nil || c.sender == nil {
		return errors.New("connection has no sender")
	}
	return c.sender.Send(message)
}

// Snapshot is a cached view of a participant's combat stats.
type Snapshot struct {
	ParticipantID string
	Name          string
	Kind          storage.Kind
	Hidden        bool
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
	// IsNarrator is derived from party metadata when the snapshot is read.
	IsNarrator bool
}

type partyMeta struct {
	narratorID string
	creatorID  string
	campaignID string
}

type partyState struct {
	mu        sync.Mutex
	conns     []*Conn
	cache     map[string]Snapshot
	meta      *partyMeta
	encounter *encounter.Encounter
}

// Registry is the owned store for every party's live state.
type Registry struct {
	mu      sync.Mutex
	store   storage.Store
	parties map[string]*partyState

	// newSeed feeds sort tiebreak generators; swapped in tests.
	newSeed func() (int64, error)
}

// New builds a registry backed by the persistence collaborator.
func New(store storage.Store) *Registry {
	return &Registry{
		store:   store,
		parties: make(map[string]*partyState),
		newSeed: random.NewSeed,
	}
}

func (r *Registry) party(partyID string) *partyState {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, ok := r.parties[partyID]
	if ok {
		return ps
	}
	ps = &partyState{cache: make(map[string]Snapshot)}
	r.parties[partyID] = ps
	return ps
}

// Join registers a connection with a party.
//
// When participantID is set and not yet cached for the party, the stat
// snapshot is fetched from persistence; narrator status is resolved by
// comparing participantID against the lazily loaded party metadata, where the
// campaign-level narrator takes precedence over the legacy party-level field.
func (r *Registry) Join(ctx context.Context, partyID string, conn *Conn, participantID string) (Snapshot, error) {
	partyID = strings.TrimSpace(partyID)
	participantID = strings.TrimSpace(participantID)
	if partyID == "" {
		return Snapshot{}, errors.New("party id is required")
	}
	if conn == nil {
		return Snapshot{}, errors.New("connection is required")
	}

	ps := r.party(partyID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var snapshot Snapshot
	if participantID != "" {
		cached, ok := ps.cache[participantID]
		if !ok {
			fetched, err := r.fetchSnapshot(ctx, participantID)
			if err != nil {
				return Snapshot{}, err
			}
			ps.cache[participantID] = fetched
			cached = fetched
		}
		snapshot = cached

		meta, err := r.loadMetaLocked(ctx, ps, partyID)
		if err != nil {
			return Snapshot{}, err
		}
		conn.ParticipantID = participantID
		conn.Name = snapshot.Name
		conn.Role = RolePlayer
		if meta.narratorID != "" && meta.narratorID == participantID {
			conn.Role = RoleNarrator
		}
		snapshot.IsNarrator = conn.Role == RoleNarrator
	}

	ps.conns = append(ps.conns, conn)
	return snapshot, nil
}

// Leave removes a connection from a party. Draining the last connection
// purges the party's character cache and metadata so the next join re-fetches
// from persistence. An active encounter survives until an explicit end.
func (r *Registry) Leave(partyID string, conn *Conn) {
	ps := r.lookup(partyID)
	if ps == nil || conn == nil {
		return
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	for i, existing := range ps.conns {
		if existing == conn {
			ps.conns = append(ps.conns[:i], ps.conns[i+1:]...)
			break
		}
	}
	if len(ps.conns) == 0 {
		ps.cache = make(map[string]Snapshot)
		ps.meta = nil
	}
}

// Broadcast sends a message to every connection in the party. A failed send
// is logged and skipped; it never aborts delivery to the rest.
func (r *Registry) Broadcast(partyID string, message Message) {
	for _, conn := range r.connsSnapshot(partyID) {
		if err := conn.Send(message); err != nil {
			log.Printf("session: broadcast to connection %s failed: %v", conn.ID, err)
		}
	}
}

// Whisper delivers a message only to connections whose cached display name
// case-insensitively matches a target name, plus the narrator connection,
// and never back to the sender even when the sender's own name is targeted.
func (r *Registry) Whisper(partyID string, message Message, targetNames []string, senderName string) {
	for _, conn := range r.connsSnapshot(partyID) {
		if strings.EqualFold(conn.Name, senderName) {
			continue
		}
		if conn.Role != RoleNarrator && !nameListed(conn.Name, targetNames) {
			continue
		}
		if err := conn.Send(message); err != nil {
			log.Printf("session: whisper to connection %s failed: %v", conn.ID, err)
		}
	}
}

// SendTo delivers a message to the first connection matching the participant
// id. It silently no-ops when none match.
func (r *Registry) SendTo(partyID string, participantID string, message Message) {
	for _, conn := range r.connsSnapshot(partyID) {
		if conn.ParticipantID != participantID {
			continue
		}
		if err := conn.Send(message); err != nil {
			log.Printf("session: send to participant %s failed: %v", participantID, err)
		}
		return
	}
}

// Cached returns the cached snapshot for a participant, augmented with the
// derived narrator flag, or false if the participant was never cached.
func (r *Registry) Cached(partyID string, participantID string) (Snapshot, bool) {
	ps := r.lookup(partyID)
	if ps == nil {
		return Snapshot{}, false
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	snapshot, ok := ps.cache[participantID]
	if !ok {
		return Snapshot{}, false
	}
	if ps.meta != nil && ps.meta.narratorID != "" {
		snapshot.IsNarrator = ps.meta.narratorID == participantID
	}
	return snapshot, true
}

// LiveTarget resolves a display name against cached snapshots of live
// connections, implementing the mention resolver's first lookup step.
func (r *Registry) LiveTarget(partyID string, name string) (mention.Target, bool) {
	ps := r.lookup(partyID)
	if ps == nil {
		return mention.Target{}, false
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, conn := range ps.conns {
		snapshot, ok := ps.cache[conn.ParticipantID]
		if !ok {
			continue
		}
		if strings.EqualFold(snapshot.Name, name) {
			return mention.Target{
				ID:     snapshot.ParticipantID,
				Name:   snapshot.Name,
				Kind:   snapshot.Kind,
				Hidden: snapshot.Hidden,
			}, true
		}
	}
	return mention.Target{}, false
}

// NarratorID returns the party's narrator participant id, loading metadata
// lazily on first use.
func (r *Registry) NarratorID(ctx context.Context, partyID string) (string, error) {
	ps := r.party(partyID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	meta, err := r.loadMetaLocked(ctx, ps, partyID)
	if err != nil {
		return "", err
	}
	return meta.narratorID, nil
}

// StartEncounter creates the party's encounter. It fails when one is already
// active, leaving the existing encounter unmodified.
func (r *Registry) StartEncounter(partyID string, encounterID string, initiatorID string) error {
	ps := r.party(partyID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.encounter != nil {
		return fmt.Errorf("%w: party %s", encounter.ErrAlreadyActive, partyID)
	}
	ps.encounter = encounter.New(encounterID, initiatorID)
	return nil
}

// AddCombatant registers a combatant with the active encounter, idempotently
// by id. It is a no-op when the party has no active encounter.
func (r *Registry) AddCombatant(partyID string, combatantID string, name string, kind encounter.Kind, stats encounter.Stats) {
	ps := r.lookup(partyID)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.encounter.AddCombatant(combatantID, name, kind, stats)
}

// RecordInitiative stores a rolled initiative value without resorting.
func (r *Registry) RecordInitiative(partyID string, combatantID string, value int) bool {
	ps := r.lookup(partyID)
	if ps == nil {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.encounter.RecordInitiative(combatantID, value)
}

// SortInitiative recomputes the turn order and returns it.
func (r *Registry) SortInitiative(partyID string) ([]encounter.Combatant, error) {
	ps := r.lookup(partyID)
	if ps == nil {
		return nil, encounter.ErrNotActive
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.encounter == nil {
		return nil, encounter.ErrNotActive
	}
	seed, err := r.newSeed()
	if err != nil {
		return nil, fmt.Errorf("seed initiative sort: %w", err)
	}
	ps.encounter.SortInitiative(rand.New(rand.NewSource(seed)))
	return ps.encounter.TurnOrder(), nil
}

// Combatants returns the active encounter's combatants in insertion order.
func (r *Registry) Combatants(partyID string) []encounter.Combatant {
	ps := r.lookup(partyID)
	if ps == nil {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.encounter.Combatants()
}

// HasEncounter reports whether the party has an active encounter.
func (r *Registry) HasEncounter(partyID string) bool {
	ps := r.lookup(partyID)
	if ps == nil {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.encounter != nil
}

// CurrentTurn returns the combatant whose turn it is.
func (r *Registry) CurrentTurn(partyID string) (encounter.Combatant, bool) {
	ps := r.lookup(partyID)
	if ps == nil {
		return encounter.Combatant{}, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.encounter.CurrentTurn()
}

// AdvanceTurn moves the encounter to the next combatant and returns it along
// with the current round.
func (r *Registry) AdvanceTurn(partyID string) (encounter.Combatant, int, error) {
	ps := r.lookup(partyID)
	if ps == nil {
		return encounter.Combatant{}, 0, encounter.ErrNotActive
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.encounter == nil {
		return encounter.Combatant{}, 0, encounter.ErrNotActive
	}
	combatant, ok := ps.encounter.AdvanceTurn()
	if !ok {
		return encounter.Combatant{}, 0, fmt.Errorf("%w: no turn order computed", encounter.ErrNotActive)
	}
	return combatant, ps.encounter.Round, nil
}

// EndEncounter deletes the party's encounter. A later start creates a fresh one.
func (r *Registry) EndEncounter(partyID string) error {
	ps := r.lookup(partyID)
	if ps == nil {
		return encounter.ErrNotActive
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.encounter == nil {
		return encounter.ErrNotActive
	}
	ps.encounter = nil
	return nil
}

func (r *Registry) lookup(partyID string) *partyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parties[partyID]
}

func (r *Registry) connsSnapshot(partyID string) []*Conn {
	ps := r.lookup(partyID)
	if ps == nil {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	conns := make([]*Conn, len(ps.conns))
	copy(conns, ps.conns)
	return conns
}

func (r *Registry) fetchSnapshot(ctx context.Context, participantID string) (Snapshot, error) {
	character, err := r.store.GetCharacter(ctx, participantID)
	if err == nil {
		return SnapshotFromCharacter(character), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("fetch character %s: %w", participantID, err)
	}

	npc, err := r.store.GetNPC(ctx, participantID)
	if err == nil {
		return SnapshotFromNPC(npc), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("fetch npc %s: %w", participantID, err)
	}
	return Snapshot{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
}

func (r *Registry) loadMetaLocked(ctx context.Context, ps *partyState, partyID string) (*partyMeta, error) {
	if ps.meta != nil {
		return ps.meta, nil
	}

	party, err := r.store.GetParty(ctx, partyID)
	if err != nil {
		return nil, fmt.Errorf("load party %s: %w", partyID, err)
	}

	meta := &partyMeta{
		narratorID: strings.TrimSpace(party.NarratorID),
		creatorID:  strings.TrimSpace(party.CreatorID),
		campaignID: strings.TrimSpace(party.CampaignID),
	}
	if meta.campaignID != "" {
		campaign, err := r.store.GetCampaign(ctx, meta.campaignID)
		switch {
		case err == nil:
			// The campaign narrator takes precedence over the legacy
			// party-level assignment.
			if narratorID := strings.TrimSpace(campaign.NarratorID); narratorID != "" {
				meta.narratorID = narratorID
			}
		case errors.Is(err, storage.ErrNotFound):
			log.Printf("session: party %s references missing campaign %s", partyID, meta.campaignID)
		default:
			return nil, fmt.Errorf("load campaign %s: %w", meta.campaignID, err)
		}
	}

	ps.meta = meta
	return meta, nil
}

// SnapshotFromCharacter maps a persisted character to a cache snapshot.
func SnapshotFromCharacter(character storage.Character) Snapshot {
	return Snapshot{
		ParticipantID: character.ID,
		Name:          character.Name,
		Kind:          storage.KindCharacter,
		Power:         character.Power,
		Intellect:     character.Intellect,
		Social:        character.Social,
		Edge:          character.Edge,
		BonusPoints:   character.BonusPoints,
		Level:         character.Level,
		CurrentDamage: character.CurrentDamage,
		MaxDamage:     character.MaxDamage,
		AttackDie:     character.AttackDie,
		DefenseDie:    character.DefenseDie,
	}
}

// SnapshotFromNPC maps a persisted NPC to a cache snapshot.
func SnapshotFromNPC(npc storage.NPC) Snapshot {
	return Snapshot{
		ParticipantID: npc.ID,
		Name:          npc.Name,
		Kind:          storage.KindNPC,
		Hidden:        npc.Hidden,
		Power:         npc.Power,
		Intellect:     npc.Intellect,
		Social:        npc.Social,
		Edge:          npc.Edge,
		BonusPoints:   npc.BonusPoints,
		Level:         npc.Level,
		CurrentDamage: npc.CurrentDamage,
		MaxDamage:     npc.MaxDamage,
		AttackDie:     npc.AttackDie,
		DefenseDie:    npc.DefenseDie,
	}
}

func nameListed(name string, targets []string) bool {
	for _, target := range targets {
		if strings.EqualFold(name, target) {
			return true
		}
	}
	return false
}
