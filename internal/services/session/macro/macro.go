// Package macro dispatches slash commands to handlers that combine the dice
// engine, mention resolver, and session registry, and shapes the results for
// broadcast.
//
// Domain-rule violations never surface as Go errors. They come back as a
// structured Failure on the Result, delivered only to the invoking
// connection. Returned errors are reserved for infrastructure faults such as
// persistence being unreachable.
package macro

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Klutzleo/TBA-App-sub000/internal/dice"
	"github.com/Klutzleo/TBA-App-sub000/internal/platform/id"
	"github.com/Klutzleo/TBA-App-sub000/internal/random"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/encounter"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/mention"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/registry"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/storage"
)

// Command is a closed enum of supported macro keywords.
type Command string

const (
	CommandRoll           Command = "roll"
	CommandAttack         Command = "attack"
	CommandDefend         Command = "defend"
	CommandInitiative     Command = "initiative"
	CommandInitiativeRoll Command = "initiative-roll"
	CommandNextTurn       Command = "next-turn"
	CommandEndCombat      Command = "end-combat"
)

// Stable failure codes carried on error envelopes.
const (
	CodeInvalidExpression      = "INVALID_EXPRESSION"
	CodePermissionDenied       = "PERMISSION_DENIED"
	CodeNoActiveEncounter      = "NO_ACTIVE_ENCOUNTER"
	CodeEncounterAlreadyActive = "ENCOUNTER_ALREADY_ACTIVE"
	CodeAmbiguousTarget        = "AMBIGUOUS_TARGET"
	CodeNoTarget               = "NO_TARGET"
	CodeTypeMismatch           = "TYPE_MISMATCH"
	CodeUnknownCommand         = "UNKNOWN_COMMAND"
	CodeParticipantNotFound    = "PARTICIPANT_NOT_FOUND"
)

// Failure describes a rejected command.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the structured outcome of a dispatched macro.
type Result struct {
	Success       bool         `json:"success"`
	Command       Command      `json:"command"`
	Roll          *dice.Result `json:"roll,omitempty"`
	TargetName    string       `json:"target_name,omitempty"`
	BroadcastText string       `json:"broadcast_text,omitempty"`
	Failure       *Failure     `json:"failure,omitempty"`
}

// actionLogTimeout bounds the fire-and-forget log write.
const actionLogTimeout = 5 * time.Second

// defaultDie backs attack and defense rolls for participants whose record
// carries no die.
const defaultDie = "1d6"

// Router maps macro keywords to handlers.
type Router struct {
	store    storage.Store
	registry *registry.Registry
	resolver *mention.Resolver

	// swapped in tests
	newSeed   func() (int64, error)
	newID     func() (string, error)
	now       func() time.Time
	appendLog func(entry storage.ActionEntry)
}

// NewRouter builds a router over the session collaborators.
func NewRouter(store storage.Store, reg *registry.Registry, resolver *mention.Resolver) *Router {
	r := &Router{
		store:    store,
		registry: reg,
		resolver: resolver,
		newSeed:  random.NewSeed,
		newID:    id.NewID,
		now:      time.Now,
	}
	r.appendLog = r.appendLogAsync
	return r
}

// IsMacro reports whether the text should enter macro dispatch.
func IsMacro(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// Dispatch parses a slash command and runs the matching handler on behalf of
// the acting participant. The returned error covers infrastructure faults
// only; command rejections come back as Result.Failure.
func (r *Router) Dispatch(ctx context.Context, partyID string, actorID string, input string) (Result, error) {
	fields := strings.Fields(strings.TrimSpace(input))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return failure(Command(""), CodeUnknownCommand, "empty command"), nil
	}
	command := Command(strings.ToLower(strings.TrimPrefix(fields[0], "/")))
	args := fields[1:]

	switch command {
	case CommandRoll, CommandAttack, CommandDefend, CommandInitiative,
		CommandInitiativeRoll, CommandNextTurn, CommandEndCombat:
	default:
		return failure(command, CodeUnknownCommand, fmt.Sprintf("unknown command %q", fields[0])), nil
	}

	// Spectator connections carry no participant identity; they cannot act.
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return failure(command, CodeParticipantNotFound, "join with a participant to run commands"), nil
	}

	actor, found, err := r.actorSnapshot(ctx, partyID, actorID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return failure(command, CodeParticipantNotFound, fmt.Sprintf("participant %q not found", actorID)), nil
	}

	switch command {
	case CommandInitiative, CommandInitiativeRoll, CommandNextTurn, CommandEndCombat:
		if !actor.IsNarrator {
			return failure(command, CodePermissionDenied, "only the narrator may run this command"), nil
		}
	case CommandAttack, CommandDefend:
		if !r.registry.HasEncounter(partyID) {
			return failure(command, CodeNoActiveEncounter, "no active encounter"), nil
		}
	}

	switch command {
	case CommandRoll:
		return r.handleRoll(ctx, partyID, actor, args)
	case CommandAttack:
		return r.handleContest(ctx, partyID, actor, args, CommandAttack)
	case CommandDefend:
		return r.handleContest(ctx, partyID, actor, args, CommandDefend)
	case CommandInitiative:
		return r.handleInitiative(ctx, partyID, actor, input)
	case CommandInitiativeRoll:
		return r.handleInitiativeRoll(ctx, partyID, actor)
	case CommandNextTurn:
		return r.handleNextTurn(partyID, actor)
	default:
		return r.handleEndCombat(partyID, actor)
	}
}

func (r *Router) handleRoll(ctx context.Context, partyID string, actor registry.Snapshot, args []string) (Result, error) {
	if len(args) == 0 {
		return failure(CommandRoll, CodeInvalidExpression, "usage: /roll <count>d<sides>[+/-modifier]"), nil
	}

	roll, res, err := r.eval(CommandRoll, args[0])
	if err != nil {
		return Result{}, err
	}
	if res.Failure != nil {
		return res, nil
	}

	res.Success = true
	res.Roll = &roll
	res.BroadcastText = fmt.Sprintf("%s rolls %s: %s", actor.Name, roll.Expression, roll.Breakdown)
	r.logAction(ctx, partyID, actor.ParticipantID, CommandRoll, roll)
	return res, nil
}

// handleContest covers attack and defend, which differ only in the base die,
// the stat feeding the modifier, and the broadcast phrasing.
func (r *Router) handleContest(ctx context.Context, partyID string, actor registry.Snapshot, args []string, command Command) (Result, error) {
	target, err := r.resolver.ResolveSingle(ctx, partyID, strings.Join(args, " "), actor.IsNarrator, "")
	if err != nil {
		if res, ok := resolveFailure(command, err); ok {
			return res, nil
		}
		return Result{}, err
	}

	base := actor.AttackDie
	stat := actor.Power
	if command == CommandDefend {
		base = actor.DefenseDie
		stat = actor.Intellect
	}
	if base == "" {
		base = defaultDie
	}

	modifier := stat + actor.Edge
	if hasBonusArg(args) {
		modifier += actor.BonusPoints
	}

	roll, res, err := r.eval(command, dice.Append(base, modifier))
	if err != nil {
		return Result{}, err
	}
	if res.Failure != nil {
		return res, nil
	}

	verb := "attacks"
	if command == CommandDefend {
		verb = "defends against"
	}
	res.Success = true
	res.Roll = &roll
	res.TargetName = target.Name
	res.BroadcastText = fmt.Sprintf("%s %s %s with %s: %s", actor.Name, verb, target.Name, roll.Expression, roll.Breakdown)
	r.logAction(ctx, partyID, actor.ParticipantID, command, roll)
	return res, nil
}

func (r *Router) handleInitiative(ctx context.Context, partyID string, actor registry.Snapshot, input string) (Result, error) {
	resolution, err := r.resolver.Resolve(ctx, partyID, input, actor.IsNarrator)
	if err != nil {
		return Result{}, err
	}
	if len(resolution.Targets) == 0 {
		return failure(CommandInitiative, CodeNoTarget, "mention at least one combatant, e.g. /initiative @Alice @Dire_Wolf"), nil
	}

	encounterID, err := r.newID()
	if err != nil {
		return Result{}, fmt.Errorf("generate encounter id: %w", err)
	}
	if err := r.registry.StartEncounter(partyID, encounterID, actor.ParticipantID); err != nil {
		if errors.Is(err, encounter.ErrAlreadyActive) {
			return failure(CommandInitiative, CodeEncounterAlreadyActive, "an encounter is already running"), nil
		}
		return Result{}, err
	}

	names := make([]string, 0, len(resolution.Targets))
	for _, target := range resolution.Targets {
		snapshot, found, err := r.actorSnapshot(ctx, partyID, target.ID)
		if err != nil {
			return Result{}, err
		}
		if !found {
			continue
		}
		kind := encounter.KindCharacter
		if snapshot.Kind == storage.KindNPC {
			kind = encounter.KindNPC
		}
		r.registry.AddCombatant(partyID, snapshot.ParticipantID, snapshot.Name, kind, encounter.Stats{
			Power:     snapshot.Power,
			Intellect: snapshot.Intellect,
			Social:    snapshot.Social,
			Edge:      snapshot.Edge,
		})
		names = append(names, snapshot.Name)
	}

	text := fmt.Sprintf("%s starts an encounter with %s. Roll for initiative!", actor.Name, strings.Join(names, ", "))
	if len(resolution.Unresolved) > 0 {
		text += fmt.Sprintf(" (unresolved: %s)", strings.Join(resolution.Unresolved, ", "))
	}
	return Result{Success: true, Command: CommandInitiative, BroadcastText: text}, nil
}

func (r *Router) handleInitiativeRoll(ctx context.Context, partyID string, actor registry.Snapshot) (Result, error) {
	if !r.registry.HasEncounter(partyID) {
		return failure(CommandInitiativeRoll, CodeNoActiveEncounter, "no active encounter"), nil
	}

	for _, combatant := range r.registry.Combatants(partyID) {
		if combatant.Rolled {
			continue
		}
		seed, err := r.newSeed()
		if err != nil {
			return Result{}, fmt.Errorf("seed initiative roll: %w", err)
		}
		roll, err := dice.Eval(dice.Append("1d20", combatant.Stats.Edge), seed)
		if err != nil {
			return Result{}, fmt.Errorf("roll initiative for %s: %w", combatant.ID, err)
		}
		r.registry.RecordInitiative(partyID, combatant.ID, roll.Total)
		r.logAction(ctx, partyID, combatant.ID, CommandInitiativeRoll, roll)
	}

	order, err := r.registry.SortInitiative(partyID)
	if err != nil {
		if errors.Is(err, encounter.ErrNotActive) {
			return failure(CommandInitiativeRoll, CodeNoActiveEncounter, "no active encounter"), nil
		}
		return Result{}, err
	}

	lines := make([]string, 0, len(order)+1)
	lines = append(lines, "Initiative order:")
	for i, combatant := range order {
		line := fmt.Sprintf("%d. %s (%d)", i+1, combatant.Name, combatant.Initiative)
		if combatant.TiebreakReason != "" {
			line += fmt.Sprintf(" (tiebreak: %s)", combatant.TiebreakReason)
		}
		lines = append(lines, line)
	}
	return Result{Success: true, Command: CommandInitiativeRoll, BroadcastText: strings.Join(lines, "\n")}, nil
}

func (r *Router) handleNextTurn(partyID string, actor registry.Snapshot) (Result, error) {
	combatant, round, err := r.registry.AdvanceTurn(partyID)
	if err != nil {
		if errors.Is(err, encounter.ErrNotActive) {
			return failure(CommandNextTurn, CodeNoActiveEncounter, "no active encounter"), nil
		}
		return Result{}, err
	}
	text := fmt.Sprintf("Round %d: it is %s's turn.", round, combatant.Name)
	return Result{Success: true, Command: CommandNextTurn, BroadcastText: text}, nil
}

func (r *Router) handleEndCombat(partyID string, actor registry.Snapshot) (Result, error) {
	if err := r.registry.EndEncounter(partyID); err != nil {
		if errors.Is(err, encounter.ErrNotActive) {
			return failure(CommandEndCombat, CodeNoActiveEncounter, "no active encounter"), nil
		}
		return Result{}, err
	}
	text := fmt.Sprintf("%s ends the encounter.", actor.Name)
	return Result{Success: true, Command: CommandEndCombat, BroadcastText: text}, nil
}

func (r *Router) eval(command Command, expression string) (dice.Result, Result, error) {
	seed, err := r.newSeed()
	if err != nil {
		return dice.Result{}, Result{}, fmt.Errorf("seed roll: %w", err)
	}
	roll, err := dice.Eval(expression, seed)
	if err != nil {
		if errors.Is(err, dice.ErrInvalidExpression) {
			return dice.Result{}, failure(command, CodeInvalidExpression, fmt.Sprintf("invalid dice expression %q", expression)), nil
		}
		return dice.Result{}, Result{}, err
	}
	return roll, Result{Command: command}, nil
}

// actorSnapshot resolves a participant from the registry cache, falling back
// to persistence for participants without a live connection. The narrator
// flag is derived from party metadata either way.
func (r *Router) actorSnapshot(ctx context.Context, partyID string, participantID string) (registry.Snapshot, bool, error) {
	if snapshot, ok := r.registry.Cached(partyID, participantID); ok {
		return snapshot, true, nil
	}

	var snapshot registry.Snapshot
	character, err := r.store.GetCharacter(ctx, participantID)
	switch {
	case err == nil:
		snapshot = registry.SnapshotFromCharacter(character)
	case errors.Is(err, storage.ErrNotFound):
		npc, npcErr := r.store.GetNPC(ctx, participantID)
		if errors.Is(npcErr, storage.ErrNotFound) {
			return registry.Snapshot{}, false, nil
		}
		if npcErr != nil {
			return registry.Snapshot{}, false, fmt.Errorf("fetch npc %s: %w", participantID, npcErr)
		}
		snapshot = registry.SnapshotFromNPC(npc)
	default:
		return registry.Snapshot{}, false, fmt.Errorf("fetch character %s: %w", participantID, err)
	}

	narratorID, err := r.registry.NarratorID(ctx, partyID)
	if err != nil {
		return registry.Snapshot{}, false, err
	}
	snapshot.IsNarrator = narratorID != "" && narratorID == participantID
	return snapshot, true, nil
}

// logAction records a successful roll in the append-only action log without
// blocking the reply.
func (r *Router) logAction(ctx context.Context, partyID string, actorID string, command Command, roll dice.Result) {
	entryID, err := r.newID()
	if err != nil {
		log.Printf("session: generate action log id: %v", err)
		return
	}
	r.appendLog(storage.ActionEntry{
		ID:         entryID,
		PartyID:    partyID,
		ActorID:    actorID,
		Command:    string(command),
		Expression: roll.Expression,
		Breakdown:  roll.Breakdown,
		Total:      roll.Total,
		CreatedAt:  r.now(),
	})
}

func (r *Router) appendLogAsync(entry storage.ActionEntry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), actionLogTimeout)
		defer cancel()
		if err := r.store.AppendAction(ctx, entry); err != nil {
			log.Printf("session: append action log for party %s: %v", entry.PartyID, err)
		}
	}()
}

func resolveFailure(command Command, err error) (Result, bool) {
	switch {
	case errors.Is(err, mention.ErrNoTarget):
		return failure(command, CodeNoTarget, "no matching target"), true
	case errors.Is(err, mention.ErrAmbiguousTarget):
		return failure(command, CodeAmbiguousTarget, "mention exactly one target"), true
	case errors.Is(err, mention.ErrTypeMismatch):
		return failure(command, CodeTypeMismatch, "target has the wrong type"), true
	}
	return Result{}, false
}

func hasBonusArg(args []string) bool {
	for _, arg := range args {
		if strings.EqualFold(arg, "bonus") {
			return true
		}
	}
	return false
}

func failure(command Command, code string, message string) Result {
	return Result{Command: command, Failure: &Failure{Code: code, Message: message}}
}
