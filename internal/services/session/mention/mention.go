// Package mention resolves @Name tokens in message text to character or NPC
// identities within a party.
//
// Resolution order per token, first match wins: live connection snapshots,
// persisted party member characters, then persisted party NPCs. Hidden NPCs
// resolve only when the requester is the narrator. Underscores in tokens map
// to spaces in display names, so "@Dire_Wolf" targets "Dire Wolf".
package mention

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/storage"
)

// ErrNoTarget indicates a targeted command had no resolvable mention.
var ErrNoTarget = errors.New("no target")

// ErrAmbiguousTarget indicates a targeted command carried more than one mention.
var ErrAmbiguousTarget = errors.New("ambiguous target")

// ErrTypeMismatch indicates the resolved target kind differs from the expected one.
var ErrTypeMismatch = errors.New("target type mismatch")

var tokenPattern = regexp.MustCompile(`@([A-Za-z0-9_'-]+)`)

// Target is one resolved mention.
type Target struct {
	ID     string
	Name   string
	Kind   storage.Kind
	Hidden bool
}

// Resolution collects resolved targets and tokens that matched nothing.
type Resolution struct {
	Targets    []Target
	Unresolved []string
}

// LiveLookup reports cached snapshots for live connections in a party. The
// session registry implements it; the hidden flag lets the resolver apply
// narrator visibility without reaching back into registry internals.
type LiveLookup interface {
	LiveTarget(partyID string, name string) (Target, bool)
}

// Reader is the storage subset the resolver consumes.
type Reader interface {
	storage.CharacterStore
	storage.NPCStore
	storage.NameIndex
}

// Resolver resolves mention tokens against live connections and persistence.
type Resolver struct {
	store Reader
	live  LiveLookup
}

// NewResolver builds a resolver. live may be nil when no registry is attached
// (persisted records only).
func NewResolver(store Reader, live LiveLookup) *Resolver {
	return &Resolver{store: store, live: live}
}

// Tokens extracts mention display names from text, underscores mapped to
// spaces, in order of appearance.
func Tokens(text string) []string {
	matches := tokenPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, match := range matches {
		names = append(names, strings.ReplaceAll(match[1], "_", " "))
	}
	return names
}

// Resolve resolves every mention token in text. Unmatched tokens accumulate
// in the unresolved list rather than aborting the parse.
func (r *Resolver) Resolve(ctx context.Context, partyID string, text string, narrator bool) (Resolution, error) {
	var resolution Resolution
	for _, name := range Tokens(text) {
		target, found, err := r.resolveName(ctx, partyID, name, narrator)
		if err != nil {
			return Resolution{}, err
		}
		if !found {
			resolution.Unresolved = append(resolution.Unresolved, name)
			continue
		}
		resolution.Targets = append(resolution.Targets, target)
	}
	return resolution, nil
}

// ResolveSingle is the strict single-target mode used by targeted commands.
//
// It fails with ErrNoTarget when the text carries no resolvable mention,
// ErrAmbiguousTarget when it carries more than one, and ErrTypeMismatch when
// want is set and the resolved kind differs.
func (r *Resolver) ResolveSingle(ctx context.Context, partyID string, text string, narrator bool, want storage.Kind) (Target, error) {
	names := Tokens(text)
	if len(names) == 0 {
		return Target{}, ErrNoTarget
	}
	if len(names) > 1 {
		return Target{}, fmt.Errorf("%w: %d mentions", ErrAmbiguousTarget, len(names))
	}

	target, found, err := r.resolveName(ctx, partyID, names[0], narrator)
	if err != nil {
		return Target{}, err
	}
	if !found {
		return Target{}, fmt.Errorf("%w: %q", ErrNoTarget, names[0])
	}
	if want != "" && target.Kind != want {
		return Target{}, fmt.Errorf("%w: %q is a %s", ErrTypeMismatch, target.Name, target.Kind)
	}
	return target, nil
}

// NameAvailable reports whether a new character or NPC may take the name
// within the party scope, case-insensitively.
func (r *Resolver) NameAvailable(ctx context.Context, partyID string, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("name is required")
	}
	exists, err := r.store.NameExists(ctx, partyID, name)
	if err != nil {
		return false, fmt.Errorf("check name availability: %w", err)
	}
	return !exists, nil
}

func (r *Resolver) resolveName(ctx context.Context, partyID string, name string, narrator bool) (Target, bool, error) {
	if r.live != nil {
		if target, ok := r.live.LiveTarget(partyID, name); ok {
			if !target.Hidden || narrator {
				return target, true, nil
			}
		}
	}

	characters, err := r.store.ListPartyCharacters(ctx, partyID)
	if err != nil {
		return Target{}, false, fmt.Errorf("list party characters: %w", err)
	}
	for _, character := range characters {
		if strings.EqualFold(character.Name, name) {
			return Target{ID: character.ID, Name: character.Name, Kind: storage.KindCharacter}, true, nil
		}
	}

	npcs, err := r.store.ListPartyNPCs(ctx, partyID)
	if err != nil {
		return Target{}, false, fmt.Errorf("list party npcs: %w", err)
	}
	for _, npc := range npcs {
		if !strings.EqualFold(npc.Name, name) {
			continue
		}
		if npc.Hidden && !narrator {
			continue
		}
		return Target{ID: npc.ID, Name: npc.Name, Kind: storage.KindNPC, Hidden: npc.Hidden}, true, nil
	}

	return Target{}, false, nil
}
