package mention

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/storage"
)

type fakeReader struct {
	characters map[string][]storage.Character
	npcs       map[string][]storage.NPC
	names      map[string]bool
	listCalls  int
}

func (f *fakeReader) GetCharacter(_ context.Context, id string) (storage.Character, error) {
	for _, characters := range f.characters {
		for _, character := range characters {
			if character.ID == id {
				return character, nil
			}
		}
	}
	return storage.Character{}, storage.ErrNotFound
}

func (f *fakeReader) ListPartyCharacters(_ context.Context, partyID string) ([]storage.Character, error) {
	f.listCalls++
	return f.characters[partyID], nil
}

func (f *fakeReader) GetNPC(_ context.Context, id string) (storage.NPC, error) {
	for _, npcs := range f.npcs {
		for _, npc := range npcs {
			if npc.ID == id {
				return npc, nil
			}
		}
	}
	return storage.NPC{}, storage.ErrNotFound
}

func (f *fakeReader) ListPartyNPCs(_ context.Context, partyID string) ([]storage.NPC, error) {
	return f.npcs[partyID], nil
}

func (f *fakeReader) NameExists(_ context.Context, partyID string, name string) (bool, error) {
	return f.names[partyID+"/"+strings.ToLower(name)], nil
}

type fakeLive struct {
	targets map[string]Target
}

func (f fakeLive) LiveTarget(partyID string, name string) (Target, bool) {
	target, ok := f.targets[partyID+"/"+strings.ToLower(name)]
	return target, ok
}

func TestTokensMapUnderscoresToSpaces(t *testing.T) {
	got := Tokens("/attack @Goblin_Archer_1 and @Alice please")
	want := []string{"Goblin Archer 1", "Alice"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokens = %v, want %v", got, want)
	}
	if Tokens("no mentions here") != nil {
		t.Fatal("expected nil for mention-free text")
	}
}

func TestResolvePrefersLiveConnections(t *testing.T) {
	reader := &fakeReader{
		characters: map[string][]storage.Character{
			"party-1": {{ID: "char-persisted", Name: "Alice"}},
		},
	}
	live := fakeLive{targets: map[string]Target{
		"party-1/alice": {ID: "char-live", Name: "Alice", Kind: storage.KindCharacter},
	}}
	resolver := NewResolver(reader, live)

	resolution, err := resolver.Resolve(context.Background(), "party-1", "hi @alice", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolution.Targets) != 1 || resolution.Targets[0].ID != "char-live" {
		t.Fatalf("expected live match first, got %+v", resolution.Targets)
	}
}

func TestResolveFallsBackToPersistedCharacterThenNPC(t *testing.T) {
	reader := &fakeReader{
		characters: map[string][]storage.Character{
			"party-1": {{ID: "char-a", Name: "Dire Wolf"}},
		},
		npcs: map[string][]storage.NPC{
			"party-1": {{ID: "npc-a", Name: "Goblin Archer 1"}},
		},
	}
	resolver := NewResolver(reader, nil)

	resolution, err := resolver.Resolve(context.Background(), "party-1", "@Dire_Wolf @Goblin_Archer_1 @Nobody", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolution.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %+v", resolution.Targets)
	}
	if resolution.Targets[0].ID != "char-a" || resolution.Targets[0].Kind != storage.KindCharacter {
		t.Fatalf("unexpected first target: %+v", resolution.Targets[0])
	}
	if resolution.Targets[1].ID != "npc-a" || resolution.Targets[1].Kind != storage.KindNPC {
		t.Fatalf("unexpected second target: %+v", resolution.Targets[1])
	}
	if !reflect.DeepEqual(resolution.Unresolved, []string{"Nobody"}) {
		t.Fatalf("unexpected unresolved: %v", resolution.Unresolved)
	}
}

func TestResolveHiddenNPCRequiresNarrator(t *testing.T) {
	reader := &fakeReader{
		npcs: map[string][]storage.NPC{
			"party-1": {{ID: "npc-h", Name: "Dire Wolf", Hidden: true}},
		},
	}
	resolver := NewResolver(reader, nil)
	ctx := context.Background()

	asPlayer, err := resolver.Resolve(ctx, "party-1", "@Dire_Wolf", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(asPlayer.Targets) != 0 || len(asPlayer.Unresolved) != 1 {
		t.Fatalf("expected hidden npc unresolved for player, got %+v", asPlayer)
	}

	asNarrator, err := resolver.Resolve(ctx, "party-1", "@Dire_Wolf", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(asNarrator.Targets) != 1 || asNarrator.Targets[0].ID != "npc-h" {
		t.Fatalf("expected hidden npc resolved for narrator, got %+v", asNarrator)
	}
}

func TestResolveSingleStrictMode(t *testing.T) {
	reader := &fakeReader{
		characters: map[string][]storage.Character{
			"party-1": {{ID: "char-a", Name: "Alice"}},
		},
		npcs: map[string][]storage.NPC{
			"party-1": {{ID: "npc-a", Name: "Goblin"}},
		},
	}
	resolver := NewResolver(reader, nil)
	ctx := context.Background()

	if _, err := resolver.ResolveSingle(ctx, "party-1", "no mentions", false, ""); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
	if _, err := resolver.ResolveSingle(ctx, "party-1", "@Alice @Goblin", false, ""); !errors.Is(err, ErrAmbiguousTarget) {
		t.Fatalf("expected ErrAmbiguousTarget, got %v", err)
	}
	if _, err := resolver.ResolveSingle(ctx, "party-1", "@Ghost", false, ""); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget for unresolved, got %v", err)
	}
	if _, err := resolver.ResolveSingle(ctx, "party-1", "@Goblin", false, storage.KindCharacter); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}

	target, err := resolver.ResolveSingle(ctx, "party-1", "@Alice", false, storage.KindCharacter)
	if err != nil {
		t.Fatalf("resolve single: %v", err)
	}
	if target.ID != "char-a" {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestNameAvailable(t *testing.T) {
	reader := &fakeReader{names: map[string]bool{"party-1/alice": true}}
	resolver := NewResolver(reader, nil)
	ctx := context.Background()

	available, err := resolver.NameAvailable(ctx, "party-1", "ALICE")
	if err != nil {
		t.Fatalf("name available: %v", err)
	}
	if available {
		t.Fatal("expected taken name to be unavailable")
	}

	available, err = resolver.NameAvailable(ctx, "party-1", "Bruno")
	if err != nil {
		t.Fatalf("name available: %v", err)
	}
	if !available {
		t.Fatal("expected free name to be available")
	}

	if _, err := resolver.NameAvailable(ctx, "party-1", "   "); err == nil {
		t.Fatal("expected error for blank name")
	}
}
