package tools

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
)

// RollResult is the outcome of one dice-notation roll.
type RollResult struct {
	Rolls    []int `json:"rolls"`
	Modifier int   `json:"modifier"`
	Total    int   `json:"total"`
}

// diceRE matches standard notation: an optional count, 'd', sides, and
// an optional signed modifier. "d20" means "1d20".
var diceRE = regexp.MustCompile(`^(\d*)[dD](\d+)([+-]\d+)?$`)

const (
	maxDice  = 100
	maxSides = 1000
)

// Roll parses dice notation (e.g. "2d6+3", "d20", "4d8-1") and rolls it.
func Roll(notation string) (*RollResult, error) {
	m := diceRE.FindStringSubmatch(notation)
	if m == nil {
		return nil, fmt.Errorf("could not parse dice notation %q", notation)
	}

	count := 1
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid dice count in %q", notation)
		}
		count = n
	}
	if count > maxDice {
		return nil, fmt.Errorf("too many dice (max %d)", maxDice)
	}

	sides, err := strconv.Atoi(m[2])
	if err != nil || sides < 2 {
		return nil, fmt.Errorf("invalid die size in %q", notation)
	}
	if sides > maxSides {
		return nil, fmt.Errorf("die size too large (max %d)", maxSides)
	}

	modifier := 0
	if m[3] != "" {
		modifier, err = strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("invalid modifier in %q", notation)
		}
	}

	result := &RollResult{Modifier: modifier}
	for i := 0; i < count; i++ {
		roll := rand.Intn(sides) + 1
		result.Rolls = append(result.Rolls, roll)
		result.Total += roll
	}
	result.Total += modifier

	return result, nil
}
