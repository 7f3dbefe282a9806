package risk

import (
	"fmt"

	"round-engine/internal/config"
	"round-engine/internal/model"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/money"
)

// redrawAttempts bounds re-rolling a recovery value equal to the last one.
const redrawAttempts = 16

type FinancialState struct {
	InRecovery        bool    `json:"inRecovery"`
	CooldownActive    bool    `json:"cooldownActive"`
	CooldownRemaining int     `json:"cooldownRemaining"`
	TotalIn           int64   `json:"totalIn"`
	TotalOut          int64   `json:"totalOut"`
	NetProfit         int64   `json:"netProfit"`
	RTP               float64 `json:"rtp"`
}

// Protective reports whether recovery policy and reduced limits apply.
func (s FinancialState) Protective() bool {
	return s.InRecovery || s.CooldownActive
}

func Classify(ledger model.LedgerSnapshot) FinancialState {
	state := FinancialState{
		InRecovery:        ledger.NetProfit < 0,
		CooldownActive:    ledger.RecoveryCooldownRemaining > 0,
		CooldownRemaining: ledger.RecoveryCooldownRemaining,
		TotalIn:           ledger.TotalIn,
		TotalOut:          ledger.TotalOut,
		NetProfit:         ledger.NetProfit,
	}
	if ledger.TotalIn > 0 {
		state.RTP = float64(ledger.TotalOut) / float64(ledger.TotalIn)
	}
	return state
}

type Band struct {
	Probability float64          `json:"probability"`
	Min         money.Multiplier `json:"min"`
	Max         money.Multiplier `json:"max"`
}

// Policy is recorded on every crash round so a later retune does not change
// how the round verifies.
type Policy struct {
	Bands     []Band           `json:"bands"`
	TargetRTP float64          `json:"targetRtp"`
	Ceiling   money.Multiplier `json:"ceiling"`
}

func (p Policy) Validate() error {
	total := 0.0
	for i, b := range p.Bands {
		if b.Probability < 0 || b.Min < money.One || b.Max < b.Min {
			return fmt.Errorf("%w: recovery band %d", appErr.ErrRiskConfigInvalid, i)
		}
		total += b.Probability
	}
	if total > 1+1e-9 {
		return fmt.Errorf("%w: recovery probabilities sum to %.4f", appErr.ErrRiskConfigInvalid, total)
	}
	if p.TargetRTP <= 0 || p.Ceiling < money.One {
		return fmt.Errorf("%w: rtp target or ceiling", appErr.ErrRiskConfigInvalid)
	}
	return nil
}

func PolicyFromConfig(c config.CrashConfig) Policy {
	bands := make([]Band, 0, len(c.RecoveryBands))
	for _, b := range c.RecoveryBands {
		bands = append(bands, Band{
			Probability: b.Probability,
			Min:         money.MultiplierFromFloat(b.Min),
			Max:         money.MultiplierFromFloat(b.Max),
		})
	}
	return Policy{
		Bands:     bands,
		TargetRTP: c.TargetRTP,
		Ceiling:   money.MultiplierFromFloat(c.Ceiling),
	}
}

type Limits struct {
	MinBet         int64
	MaxBet         int64
	RecoveryMaxBet int64
	MaxPayout      int64
}

func LimitsFromConfig(l config.StakeLimits) Limits {
	return Limits{
		MinBet:         l.MinBet,
		MaxBet:         l.MaxBet,
		RecoveryMaxBet: l.RecoveryMaxBet,
		MaxPayout:      l.MaxPayout,
	}
}

func (l Limits) valid() bool {
	return l.MinBet > 0 && l.MaxBet >= l.MinBet && l.RecoveryMaxBet > 0
}

// Roller is a reproducible source of uniforms in [0,1).
type Roller interface {
	Next() float64
}

type Adjustment struct {
	Raw             money.Multiplier `json:"raw"`
	Final           money.Multiplier `json:"final"`
	RecoveryApplied bool             `json:"recoveryApplied"`
	Band            int              `json:"band"`
	RTPCapped       bool             `json:"rtpCapped"`
}

type Controller struct {
	policy Policy
	err    error
}

// NewController keeps an invalid policy but refuses every stake with it.
func NewController(policy Policy) *Controller {
	return &Controller{policy: policy, err: policy.Validate()}
}

func (c *Controller) Err() error {
	return c.err
}

func (c *Controller) Policy() Policy {
	return c.policy
}

// AdjustCrash applies recovery substitution or the RTP ceiling to a raw
// crash point. Rolls are taken from roller only while protective.
func (c *Controller) AdjustCrash(raw money.Multiplier, state FinancialState, roller Roller, last money.Multiplier) Adjustment {
	adj := Adjustment{Raw: raw, Final: raw, Band: -1}
	if c.err != nil {
		return adj
	}

	if state.Protective() {
		roll := roller.Next()
		cumulative := 0.0
		for i, band := range c.policy.Bands {
			cumulative += band.Probability
			if roll >= cumulative {
				continue
			}
			value := drawInBand(band, roller)
			for n := 0; value == last && band.Max > band.Min && n < redrawAttempts; n++ {
				value = drawInBand(band, roller)
			}
			adj.Final = value
			adj.Band = i
			adj.RecoveryApplied = true
			return adj
		}
		return adj
	}

	if state.RTP > c.policy.TargetRTP && raw > c.policy.Ceiling {
		adj.Final = c.policy.Ceiling
		adj.RTPCapped = true
	}
	return adj
}

// drawInBand picks uniformly among the hundredths in [Min, Max].
func drawInBand(band Band, roller Roller) money.Multiplier {
	width := int64(band.Max-band.Min) + 1
	offset := int64(roller.Next() * float64(width))
	if offset >= width {
		offset = width - 1
	}
	return band.Min + money.Multiplier(offset)
}

// BoundStake rejects stakes outside the active limits. Missing limits or an
// invalid policy refuse everything.
func (c *Controller) BoundStake(amount int64, state FinancialState, limits Limits) error {
	if c.err != nil || !limits.valid() {
		return appErr.ErrRiskConfigInvalid
	}
	if amount <= 0 {
		return appErr.ErrInvalidAmount
	}
	max := limits.MaxBet
	if state.Protective() && limits.RecoveryMaxBet < max {
		max = limits.RecoveryMaxBet
	}
	if amount < limits.MinBet || amount > max {
		return fmt.Errorf("%w: allowed %s..%s", appErr.ErrStakeLimit, money.Format(limits.MinBet), money.Format(max))
	}
	return nil
}

func CapPayout(payout int64, limits Limits) int64 {
	if limits.MaxPayout > 0 && payout > limits.MaxPayout {
		return limits.MaxPayout
	}
	return payout
}
