package fairness

import (
	"crypto/sha256"
	"encoding/hex"
	"math"

	"round-engine/pkg/money"

	"github.com/shopspring/decimal"
)

// tailProbability is the mass redirected straight to the max branch.
const tailProbability = 0.0001

// CrashPoint derives the terminal multiplier as 1/(1-u), floored to hundredths
// and clamped to [1.00, max].
func CrashPoint(serverSeed, salt string, max money.Multiplier) (money.Multiplier, string) {
	digest := Digest(serverSeed, NoNonce(salt))
	return crashFromUniform(Uniform(digest), max), digest
}

func crashFromUniform(u float64, max money.Multiplier) money.Multiplier {
	if max < money.One {
		max = money.One
	}
	if u < tailProbability {
		return max
	}
	raw := 1 / (1 - u)
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw >= max.Float() {
		return max
	}
	m := money.MultiplierFromFloat(raw)
	if m < money.One {
		return money.One
	}
	return m
}

// ShuffleBalls returns a permutation of 1..n driven by an LCG seeded from
// SHA-256(serverSeed + roundID + clientSeed).
func ShuffleBalls(serverSeed, roundID, clientSeed string, n int) ([]int, string) {
	sum := sha256.Sum256([]byte(serverSeed + roundID + clientSeed))
	finalHash := hex.EncodeToString(sum[:])

	state := hexPrefix(finalHash, 0, 8)
	next := func() float64 {
		state = (state*1664525 + 1013904223) % (1 << 32)
		return float64(state) / (1 << 32)
	}

	balls := make([]int, n)
	for i := range balls {
		balls[i] = i + 1
	}
	for i := n - 1; i > 0; i-- {
		j := int(math.Floor(next() * float64(i+1)))
		balls[i], balls[j] = balls[j], balls[i]
	}
	return balls, finalHash
}

type PayTier struct {
	Name        string          `json:"name"`
	Percent     decimal.Decimal `json:"percent"`
	Probability float64         `json:"probability"`
	Jackpot     bool            `json:"jackpot"`
}

type PayTable struct {
	Tiers              []PayTier `json:"tiers"`
	JackpotProbability float64   `json:"jackpotProbability"`
}

func (t PayTable) jackpot() (PayTier, bool) {
	for _, tier := range t.Tiers {
		if tier.Jackpot {
			return tier, true
		}
	}
	return PayTier{}, false
}

// fallback is the last zero-percent tier.
func (t PayTable) fallback() PayTier {
	for i := len(t.Tiers) - 1; i >= 0; i-- {
		if t.Tiers[i].Percent.IsZero() {
			return t.Tiers[i]
		}
	}
	return PayTier{Name: "NONE", Percent: decimal.Zero}
}

func (t PayTable) Lookup(name string) (PayTier, bool) {
	for _, tier := range t.Tiers {
		if tier.Name == name {
			return tier, true
		}
	}
	return PayTier{}, false
}

// SlotTier rolls one spin. Hex chars 8..12 decide the jackpot; chars 0..8
// walk the cumulative table of the remaining tiers.
func SlotTier(serverSeed, clientSeed string, nonce int64, table PayTable) (PayTier, string) {
	digest := Digest(serverSeed, Context{Salt: clientSeed, Nonce: nonce})

	if jp, ok := table.jackpot(); ok {
		roll := float64(hexPrefix(digest, 8, 12)) / 0xFFFF
		if roll < table.JackpotProbability {
			return jp, digest
		}
	}

	u := float64(hexPrefix(digest, 0, 8)) / 0xFFFFFFFF
	cumulative := 0.0
	for _, tier := range table.Tiers {
		if tier.Jackpot {
			continue
		}
		cumulative += tier.Probability
		if u < cumulative {
			return tier, digest
		}
	}
	return table.fallback(), digest
}
