// Package encounter implements the per-party combat lifecycle: combatants,
// initiative, and deterministic turn ordering.
//
// An Encounter is a plain state machine with no locking of its own; the
// session registry owns at most one per party and serializes every mutation
// behind the party lock.
package encounter

import (
	"errors"
	"math/rand"
	"sort"
)

// ErrAlreadyActive indicates a party already has an active encounter.
var ErrAlreadyActive = errors.New("encounter already active")

// ErrNotActive indicates a party has no active encounter.
var ErrNotActive = errors.New("no active encounter")

// Kind distinguishes combatant origins inside an encounter.
type Kind string

const (
	KindCharacter Kind = "character"
	KindNPC       Kind = "npc"
)

// Tiebreak reasons recorded for display when adjacent combatants tie on
// initiative.
const (
	TiebreakPower     = "power"
	TiebreakIntellect = "intellect"
	TiebreakSocial    = "social"
	TiebreakCoinFlip  = "coin flip"
)

// Stats caches the scores used for initiative rolls and tie breaking.
type Stats struct {
	Power     int
	Intellect int
	Social    int
	Edge      int
}

// Combatant is a participant's presence inside an encounter, distinct from
// its underlying character or NPC record.
type Combatant struct {
	ID   string
	Name string
	Kind Kind
	// Initiative holds the rolled value; Rolled reports whether it is set.
	Initiative int
	Rolled     bool
	Stats      Stats
	// TiebreakReason explains, after a sort, which criterion placed this
	// combatant behind its predecessor in the turn order. Empty when the
	// initiative values alone decided the position.
	TiebreakReason string

	// tiebreak is a fresh uniform draw taken at sort time so the order is
	// strict even under full stat ties.
	tiebreak int64
}

// Encounter is one active combat for a party.
type Encounter struct {
	ID          string
	InitiatorID string
	Round       int

	combatants []*Combatant
	order      []*Combatant
	turn       int
}

// New creates an empty encounter at round 1.
func New(id string, initiatorID string) *Encounter {
	return &Encounter{
		ID:          id,
		InitiatorID: initiatorID,
		Round:       1,
	}
}

// AddCombatant registers a combatant, idempotently by id.
func (e *Encounter) AddCombatant(id string, name string, kind Kind, stats Stats) {
	if e == nil || id == "" {
		return
	}
	for _, combatant := range e.combatants {
		if combatant.ID == id {
			return
		}
	}
	e.combatants = append(e.combatants, &Combatant{
		ID:    id,
		Name:  name,
		Kind:  kind,
		Stats: stats,
	})
}

// RecordInitiative stores a rolled value for a combatant without resorting.
func (e *Encounter) RecordInitiative(id string, value int) bool {
	if e == nil {
		return false
	}
	for _, combatant := range e.combatants {
		if combatant.ID == id {
			combatant.Initiative = value
			combatant.Rolled = true
			return true
		}
	}
	return false
}

// Combatants returns a copy of every registered combatant in insertion order.
func (e *Encounter) Combatants() []Combatant {
	if e == nil {
		return nil
	}
	out := make([]Combatant, 0, len(e.combatants))
	for _, combatant := range e.combatants {
		out = append(out, *combatant)
	}
	return out
}

// SortInitiative recomputes the turn order and resets the current turn.
//
// Descending priority: initiative value, power, intellect, social, then a
// fresh uniform draw per call, guaranteeing a strict order even under full
// ties. Each combatant's TiebreakReason records which criterion separated it
// from its predecessor when their initiative values tied.
func (e *Encounter) SortInitiative(rng *rand.Rand) {
	if e == nil {
		return
	}

	order := make([]*Combatant, len(e.combatants))
	copy(order, e.combatants)
	for _, combatant := range order {
		combatant.tiebreak = rng.Int63()
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.Initiative != b.Initiative {
			return a.Initiative > b.Initiative
		}
		if a.Stats.Power != b.Stats.Power {
			return a.Stats.Power > b.Stats.Power
		}
		if a.Stats.Intellect != b.Stats.Intellect {
			return a.Stats.Intellect > b.Stats.Intellect
		}
		if a.Stats.Social != b.Stats.Social {
			return a.Stats.Social > b.Stats.Social
		}
		return a.tiebreak > b.tiebreak
	})

	for i, combatant := range order {
		combatant.TiebreakReason = ""
		if i == 0 {
			continue
		}
		previous := order[i-1]
		if previous.Initiative != combatant.Initiative {
			continue
		}
		switch {
		case previous.Stats.Power != combatant.Stats.Power:
			combatant.TiebreakReason = TiebreakPower
		case previous.Stats.Intellect != combatant.Stats.Intellect:
			combatant.TiebreakReason = TiebreakIntellect
		case previous.Stats.Social != combatant.Stats.Social:
			combatant.TiebreakReason = TiebreakSocial
		default:
			combatant.TiebreakReason = TiebreakCoinFlip
		}
	}

	e.order = order
	e.turn = 0
}

// TurnOrder returns a copy of the computed order, or nil before the first sort.
func (e *Encounter) TurnOrder() []Combatant {
	if e == nil || e.order == nil {
		return nil
	}
	out := make([]Combatant, 0, len(e.order))
	for _, combatant := range e.order {
		out = append(out, *combatant)
	}
	return out
}

// CurrentTurn returns the combatant whose turn it is, or false when no order
// has been computed.
func (e *Encounter) CurrentTurn() (Combatant, bool) {
	if e == nil || len(e.order) == 0 {
		return Combatant{}, false
	}
	return *e.order[e.turn], true
}

// AdvanceTurn moves to the next combatant. Wrapping back to the first
// combatant increments the round counter.
func (e *Encounter) AdvanceTurn() (Combatant, bool) {
	if e == nil || len(e.order) == 0 {
		return Combatant{}, false
	}
	e.turn++
	if e.turn >= len(e.order) {
		e.turn = 0
		e.Round++
	}
	return *e.order[e.turn], true
}
