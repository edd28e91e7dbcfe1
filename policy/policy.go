// Package policy sizes the collateral an order requires and enforces the
// rate-limit and rolling volume guards. Both guards fail closed.
package policy

import (
	"errors"

	"github.com/shopspring/decimal"

	"custodia/stake"
)

var (
	// ErrOrderExceedsCollateral signals the order is larger than the
	// liquidity side's available stake under stake-bound sizing.
	ErrOrderExceedsCollateral = errors.New("policy: order exceeds available collateral")
	// ErrOrderBlocked signals the risk score is at or above the hard ceiling.
	ErrOrderBlocked = errors.New("policy: order blocked by risk score")
)

// CollateralPolicy computes the stake an order requires from the liquidity
// side. Strategies are interchangeable and selected by configuration.
type CollateralPolicy interface {
	RequiredCollateral(amount int64, acct stake.Account) (int64, error)
}

// StakeBound fully collateralizes every order: the maximum order equals the
// account's available stake.
type StakeBound struct{}

func (StakeBound) RequiredCollateral(amount int64, acct stake.Account) (int64, error) {
	if amount > acct.Available() {
		return 0, ErrOrderExceedsCollateral
	}
	return amount, nil
}

// RiskMultiplier sizes collateral as
// amount x baseRatio x riskTier(riskScore) x trustDiscount(completedTrades),
// truncated to the asset's smallest unit. Orders at or above RiskCeiling are
// rejected outright.
type RiskMultiplier struct {
	BaseRatioBps int64
	RiskCeiling  int
}

var (
	ratioDivisor = decimal.NewFromInt(10_000)

	multLow      = decimal.NewFromInt(1)
	multModerate = decimal.RequireFromString("1.5")
	multElevated = decimal.NewFromInt(2)
	multHigh     = decimal.NewFromInt(3)

	discountVeteran     = decimal.RequireFromString("0.8")
	discountEstablished = decimal.RequireFromString("0.9")
	discountNone        = decimal.NewFromInt(1)
)

func riskTier(score int) decimal.Decimal {
	switch {
	case score < 20:
		return multLow
	case score < 40:
		return multModerate
	case score < 60:
		return multElevated
	default:
		return multHigh
	}
}

func trustDiscount(completedTrades int) decimal.Decimal {
	switch {
	case completedTrades >= 50:
		return discountVeteran
	case completedTrades >= 20:
		return discountEstablished
	default:
		return discountNone
	}
}

func (p RiskMultiplier) RequiredCollateral(amount int64, acct stake.Account) (int64, error) {
	if acct.RiskScore >= p.RiskCeiling {
		return 0, ErrOrderBlocked
	}

	required := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(p.BaseRatioBps)).
		Div(ratioDivisor).
		Mul(riskTier(acct.RiskScore)).
		Mul(trustDiscount(acct.CompletedTrades))

	return required.IntPart(), nil
}
