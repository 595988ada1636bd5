package dice

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

// TestParseAcceptsCanonicalExpressions ensures valid expressions parse into specs.
func TestParseAcceptsCanonicalExpressions(t *testing.T) {
	tcs := []struct {
		expression string
		want       Spec
	}{
		{"1d6", Spec{Count: 1, Sides: 6}},
		{"2d6+1", Spec{Count: 2, Sides: 6, Modifier: 1}},
		{"20d20-5", Spec{Count: 20, Sides: 20, Modifier: -5}},
		{"3D8+12", Spec{Count: 3, Sides: 8, Modifier: 12}},
		{" 1d4 ", Spec{Count: 1, Sides: 4}},
	}

	for _, tc := range tcs {
		spec, err := Parse(tc.expression)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", tc.expression, err)
		}
		if spec != tc.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", tc.expression, spec, tc.want)
		}
	}
}

// TestParseRejectsMalformedExpressions ensures bad input fails without rolling.
func TestParseRejectsMalformedExpressions(t *testing.T) {
	tcs := []string{
		"",
		"d6",
		"2d",
		"0d6",
		"21d6",
		"1d7",
		"1d100",
		"2d6+",
		"2d6++1",
		"two d six",
		"1d6 + 1",
	}

	for _, tc := range tcs {
		if _, err := Parse(tc); !errors.Is(err, ErrInvalidExpression) {
			t.Fatalf("Parse(%q) error = %v, want %v", tc, err, ErrInvalidExpression)
		}
	}
}

// TestEvalTotalsMatchRolls ensures totals equal the roll sum plus modifier and
// every roll stays within the die range.
func TestEvalTotalsMatchRolls(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		result, err := Eval("1d6+3", seed)
		if err != nil {
			t.Fatalf("Eval returned error: %v", err)
		}
		if len(result.Rolls) != 1 {
			t.Fatalf("expected 1 roll, got %d", len(result.Rolls))
		}
		if face := result.Total - 3; face < 1 || face > 6 {
			t.Fatalf("seed %d: total %d implies out-of-range face %d", seed, result.Total, face)
		}
	}

	for seed := int64(0); seed < 50; seed++ {
		result, err := Eval("4d10-2", seed)
		if err != nil {
			t.Fatalf("Eval returned error: %v", err)
		}
		sum := 0
		for _, roll := range result.Rolls {
			if roll < 1 || roll > 10 {
				t.Fatalf("seed %d: roll %d out of range", seed, roll)
			}
			sum += roll
		}
		if result.Total != sum-2 {
			t.Fatalf("seed %d: total %d, want %d", seed, result.Total, sum-2)
		}
	}
}

// TestEvalIsDeterministicPerSeed ensures a seed fixes the outcome.
func TestEvalIsDeterministicPerSeed(t *testing.T) {
	first, err := Eval("6d12+4", 7)
	if err != nil {
		t.Fatalf("Eval returned error: %v", err)
	}
	second, err := Eval("6d12+4", 7)
	if err != nil {
		t.Fatalf("Eval returned error: %v", err)
	}
	if first.Total != second.Total || first.Breakdown != second.Breakdown {
		t.Fatalf("same seed produced different results: %+v vs %+v", first, second)
	}

	rng := rand.New(rand.NewSource(7))
	want := make([]int, 6)
	for i := range want {
		want[i] = rng.Intn(12) + 1
	}
	for i, roll := range first.Rolls {
		if roll != want[i] {
			t.Fatalf("roll %d = %d, want %d", i, roll, want[i])
		}
	}
}

// TestEvalRejectsInvalidWithoutPartialRoll ensures malformed input returns a
// zero result.
func TestEvalRejectsInvalidWithoutPartialRoll(t *testing.T) {
	result, err := Eval("5d9+1", 3)
	if !errors.Is(err, ErrInvalidExpression) {
		t.Fatalf("Eval error = %v, want %v", err, ErrInvalidExpression)
	}
	if len(result.Rolls) != 0 || result.Total != 0 {
		t.Fatalf("expected zero result, got %+v", result)
	}
}

// TestBreakdownFormats ensures the breakdown string contract holds.
func TestBreakdownFormats(t *testing.T) {
	tcs := []struct {
		rolls    []int
		modifier int
		want     string
	}{
		{[]int{4}, 0, "4 = 4"},
		{[]int{4}, 3, "4+3 = 7"},
		{[]int{4}, -2, "4-2 = 2"},
		{[]int{2, 5}, 0, "(2+5) = 7"},
		{[]int{2, 5, 1}, 4, "(2+5+1)+4 = 12"},
		{[]int{6, 6}, -3, "(6+6)-3 = 9"},
	}

	for _, tc := range tcs {
		sum := 0
		for _, roll := range tc.rolls {
			sum += roll
		}
		got := breakdown(tc.rolls, tc.modifier, sum+tc.modifier)
		if got != tc.want {
			t.Fatalf("breakdown(%v, %d) = %q, want %q", tc.rolls, tc.modifier, got, tc.want)
		}
	}
}

// TestAppendFoldsModifiers ensures composite expressions keep the canonical form.
func TestAppendFoldsModifiers(t *testing.T) {
	if got := Append("1d8", 5); got != "1d8+5" {
		t.Fatalf("Append = %q, want 1d8+5", got)
	}
	if got := Append("1d8", -2); got != "1d8-2" {
		t.Fatalf("Append = %q, want 1d8-2", got)
	}
	if got := Append("1d8", 0); got != "1d8" {
		t.Fatalf("Append = %q, want 1d8", got)
	}
	if !strings.Contains(Append("1d20", 7), "+7") {
		t.Fatal("expected positive modifier segment")
	}
}
