// Package dice implements canonical dice-expression resolution.
//
// An expression has the form countDsides with an optional signed modifier,
// for example "2d6+1" or "1d20-2". The engine has no knowledge of why a roll
// happens; callers fold attack, defense, and initiative modifiers into the
// expression before evaluating it.
package dice

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// MinCount and MaxCount bound how many dice a single expression may roll.
const (
	MinCount = 1
	MaxCount = 20
)

// ErrInvalidExpression indicates an expression is malformed or out of range.
// No dice are rolled when it is returned.
var ErrInvalidExpression = fmt.Errorf("invalid dice expression")

var expressionPattern = regexp.MustCompile(`^([0-9]+)[dD]([0-9]+)([+-][0-9]+)?$`)

// validSides holds the physical die sizes the engine accepts.
var validSides = map[int]bool{4: true, 6: true, 8: true, 10: true, 12: true, 20: true}

// Spec is a parsed dice expression.
type Spec struct {
	Count    int
	Sides    int
	Modifier int
}

// Result captures one evaluated expression.
type Result struct {
	Expression string
	Rolls      []int
	Modifier   int
	Total      int
	Breakdown  string
}

// Parse validates an expression and returns its parsed form.
func Parse(expression string) (Spec, error) {
	trimmed := strings.TrimSpace(expression)
	match := expressionPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expression)
	}

	count, err := strconv.Atoi(match[1])
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expression)
	}
	sides, err := strconv.Atoi(match[2])
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expression)
	}
	modifier := 0
	if match[3] != "" {
		modifier, err = strconv.Atoi(match[3])
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expression)
		}
	}

	if count < MinCount || count > MaxCount {
		return Spec{}, fmt.Errorf("%w: count %d is out of range", ErrInvalidExpression, count)
	}
	if !validSides[sides] {
		return Spec{}, fmt.Errorf("%w: d%d is not a valid die", ErrInvalidExpression, sides)
	}

	return Spec{Count: count, Sides: sides, Modifier: modifier}, nil
}

// Eval parses and rolls an expression with a generator seeded from seed.
//
// Eval is deterministic with respect to seed: the same seed and expression
// always produce the same result.
func Eval(expression string, seed int64) (Result, error) {
	spec, err := Parse(expression)
	if err != nil {
		return Result{}, err
	}

	rng := rand.New(rand.NewSource(seed))
	rolls := make([]int, spec.Count)
	sum := 0
	for i := range rolls {
		rolls[i] = rng.Intn(spec.Sides) + 1
		sum += rolls[i]
	}
	total := sum + spec.Modifier

	return Result{
		Expression: strings.TrimSpace(expression),
		Rolls:      rolls,
		Modifier:   spec.Modifier,
		Total:      total,
		Breakdown:  breakdown(rolls, spec.Modifier, total),
	}, nil
}

// Append extends a base die expression with a signed modifier.
//
// A zero modifier returns the base unchanged so "1d8" stays "1d8" rather than
// becoming "1d8+0".
func Append(base string, modifier int) string {
	base = strings.TrimSpace(base)
	if modifier == 0 {
		return base
	}
	return fmt.Sprintf("%s%+d", base, modifier)
}

// breakdown renders the user-facing roll summary.
//
// Single die: "N = total" or "N+M = total". Multiple dice wrap the individual
// outcomes in parentheses: "(a+b+c)-M = total". The modifier segment is
// omitted when the modifier is zero.
func breakdown(rolls []int, modifier int, total int) string {
	var b strings.Builder
	if len(rolls) == 1 {
		b.WriteString(strconv.Itoa(rolls[0]))
	} else {
		b.WriteString("(")
		for i, roll := range rolls {
			if i > 0 {
				b.WriteString("+")
			}
			b.WriteString(strconv.Itoa(roll))
		}
		b.WriteString(")")
	}
	if modifier != 0 {
		fmt.Fprintf(&b, "%+d", modifier)
	}
	fmt.Fprintf(&b, " = %d", total)
	return b.String()
}
