package settlement

import (
	"sort"
	"strings"

	"round-engine/internal/config"
	"round-engine/pkg/money"
)

// houseCut applies a ratio, fixed or ladder rule to a pot.
func houseCut(rule config.HouseCut, pot int64) int64 {
	if pot <= 0 {
		return 0
	}

	switch strings.ToLower(rule.Type) {
	case "ratio":
		return clampCut(money.Ratio(pot, rule.Ratio), pot, rule.Cap)
	case "fixed":
		return clampCut(rule.Fixed, pot, rule.Cap)
	case "ladder":
		levels := append([]config.HouseCutLevel(nil), rule.Ladder...)
		sort.Slice(levels, func(i, j int) bool { return levels[i].Threshold > levels[j].Threshold })
		for _, level := range levels {
			if pot >= level.Threshold {
				return clampCut(money.Ratio(pot, level.Ratio), pot, rule.Cap)
			}
		}
	}
	return 0
}

func clampCut(value, pot, cap int64) int64 {
	if value < 0 {
		value = 0
	}
	if cap > 0 && value > cap {
		value = cap
	}
	if value > pot {
		return pot
	}
	return value
}
