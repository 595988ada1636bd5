package encounter

import (
	"math/rand"
	"testing"
)

// TestAddCombatantIsIdempotent ensures duplicate ids register once.
func TestAddCombatantIsIdempotent(t *testing.T) {
	enc := New("enc-1", "user-gm")
	enc.AddCombatant("a", "Alice", KindCharacter, Stats{Power: 3})
	enc.AddCombatant("a", "Alice Again", KindCharacter, Stats{Power: 9})
	enc.AddCombatant("b", "Goblin", KindNPC, Stats{Power: 1})

	combatants := enc.Combatants()
	if len(combatants) != 2 {
		t.Fatalf("expected 2 combatants, got %d", len(combatants))
	}
	if combatants[0].Name != "Alice" || combatants[0].Stats.Power != 3 {
		t.Fatalf("duplicate add mutated combatant: %+v", combatants[0])
	}
}

// TestRecordInitiativeDoesNotResort ensures recording only stores the value.
func TestRecordInitiativeDoesNotResort(t *testing.T) {
	enc := New("enc-1", "user-gm")
	enc.AddCombatant("a", "Alice", KindCharacter, Stats{})
	enc.AddCombatant("b", "Bruno", KindCharacter, Stats{})

	if !enc.RecordInitiative("b", 18) {
		t.Fatal("expected record to succeed")
	}
	if enc.RecordInitiative("missing", 4) {
		t.Fatal("expected record for unknown combatant to fail")
	}
	if order := enc.TurnOrder(); order != nil {
		t.Fatalf("expected no order before sort, got %v", order)
	}
	if _, ok := enc.CurrentTurn(); ok {
		t.Fatal("expected no current turn before sort")
	}
}

// TestSortInitiativeBreaksTiesByStats ensures the ordering rule priority.
func TestSortInitiativeBreaksTiesByStats(t *testing.T) {
	enc := New("enc-1", "user-gm")
	enc.AddCombatant("a", "A", KindCharacter, Stats{Power: 3})
	enc.AddCombatant("b", "B", KindCharacter, Stats{Power: 1})
	enc.RecordInitiative("a", 14)
	enc.RecordInitiative("b", 14)

	enc.SortInitiative(rand.New(rand.NewSource(1)))

	order := enc.TurnOrder()
	if len(order) != 2 {
		t.Fatalf("expected 2 in order, got %d", len(order))
	}
	if order[0].ID != "a" || order[1].ID != "b" {
		t.Fatalf("expected [A B], got [%s %s]", order[0].ID, order[1].ID)
	}
	if order[1].TiebreakReason != TiebreakPower {
		t.Fatalf("expected power tiebreak, got %q", order[1].TiebreakReason)
	}
	if order[0].TiebreakReason != "" {
		t.Fatalf("expected empty reason for leader, got %q", order[0].TiebreakReason)
	}
}

// TestSortInitiativeFullTieUsesCoinFlip ensures a strict order under full ties.
func TestSortInitiativeFullTieUsesCoinFlip(t *testing.T) {
	stats := Stats{Power: 2, Intellect: 2, Social: 2}
	for seed := int64(0); seed < 20; seed++ {
		enc := New("enc-1", "user-gm")
		enc.AddCombatant("a", "A", KindCharacter, stats)
		enc.AddCombatant("b", "B", KindCharacter, stats)
		enc.RecordInitiative("a", 10)
		enc.RecordInitiative("b", 10)

		enc.SortInitiative(rand.New(rand.NewSource(seed)))

		order := enc.TurnOrder()
		if len(order) != 2 {
			t.Fatalf("seed %d: expected 2 in order", seed)
		}
		if order[0].ID == order[1].ID {
			t.Fatalf("seed %d: order is not strict", seed)
		}
		if order[1].TiebreakReason != TiebreakCoinFlip {
			t.Fatalf("seed %d: expected coin flip reason, got %q", seed, order[1].TiebreakReason)
		}
	}
}

// TestSortInitiativeHigherValueWins ensures initiative dominates stats.
func TestSortInitiativeHigherValueWins(t *testing.T) {
	enc := New("enc-1", "user-gm")
	enc.AddCombatant("a", "A", KindCharacter, Stats{Power: 9})
	enc.AddCombatant("b", "B", KindNPC, Stats{Power: 0})
	enc.RecordInitiative("a", 5)
	enc.RecordInitiative("b", 17)

	enc.SortInitiative(rand.New(rand.NewSource(3)))

	order := enc.TurnOrder()
	if order[0].ID != "b" {
		t.Fatalf("expected b first, got %s", order[0].ID)
	}
	if order[1].TiebreakReason != "" {
		t.Fatalf("expected no tiebreak reason, got %q", order[1].TiebreakReason)
	}
}

// TestAdvanceTurnWrapsAndIncrementsRound ensures a full cycle returns to the
// first combatant and bumps the round exactly once.
func TestAdvanceTurnWrapsAndIncrementsRound(t *testing.T) {
	enc := New("enc-1", "user-gm")
	enc.AddCombatant("a", "A", KindCharacter, Stats{Power: 3})
	enc.AddCombatant("b", "B", KindCharacter, Stats{Power: 2})
	enc.AddCombatant("c", "C", KindNPC, Stats{Power: 1})
	enc.RecordInitiative("a", 12)
	enc.RecordInitiative("b", 8)
	enc.RecordInitiative("c", 4)
	enc.SortInitiative(rand.New(rand.NewSource(5)))

	first, ok := enc.CurrentTurn()
	if !ok {
		t.Fatal("expected a current turn")
	}
	if enc.Round != 1 {
		t.Fatalf("expected round 1, got %d", enc.Round)
	}

	for i := 0; i < 3; i++ {
		if _, ok := enc.AdvanceTurn(); !ok {
			t.Fatal("advance failed")
		}
	}

	current, ok := enc.CurrentTurn()
	if !ok {
		t.Fatal("expected a current turn after wrap")
	}
	if current.ID != first.ID {
		t.Fatalf("expected wrap back to %s, got %s", first.ID, current.ID)
	}
	if enc.Round != 2 {
		t.Fatalf("expected round 2 after wrap, got %d", enc.Round)
	}
}

// TestSortResetsTurnIndex ensures a resort starts from the top of the order.
func TestSortResetsTurnIndex(t *testing.T) {
	enc := New("enc-1", "user-gm")
	enc.AddCombatant("a", "A", KindCharacter, Stats{})
	enc.AddCombatant("b", "B", KindCharacter, Stats{})
	enc.RecordInitiative("a", 15)
	enc.RecordInitiative("b", 9)
	enc.SortInitiative(rand.New(rand.NewSource(2)))

	enc.AdvanceTurn()
	enc.SortInitiative(rand.New(rand.NewSource(2)))

	current, ok := enc.CurrentTurn()
	if !ok {
		t.Fatal("expected a current turn")
	}
	if current.ID != "a" {
		t.Fatalf("expected a after resort, got %s", current.ID)
	}
}
