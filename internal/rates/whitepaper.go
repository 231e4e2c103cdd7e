package rates

import (
	"math/big"

	fpmath "LendLedger/internal/math"
)

// Model is the stateless interest-rate strategy: pure functions of the
// market's cash, borrows, and reserves, returning per-second mantissa rates.
type Model interface {
	BorrowRatePerSecond(cash, borrows, reserves *big.Int) fpmath.Exp
	SupplyRatePerSecond(cash, borrows, reserves *big.Int, reserveFactor fpmath.Exp) fpmath.Exp
}

// WhitePaperModel is the classic linear model:
//
//	borrowRate = base + utilization * multiplier
//	utilization = borrows / (cash + borrows - reserves)
//
// Both parameters are per-second mantissa rates. The original test suite
// deploys it with base=0 multiplier=0 (zero-interest markets); nonzero
// parameters are exercised by the accrual tests here.
type WhitePaperModel struct {
	BasePerSecond       fpmath.Exp
	MultiplierPerSecond fpmath.Exp
}

func NewWhitePaperModel(basePerSecond, multiplierPerSecond *big.Int) *WhitePaperModel {
	return &WhitePaperModel{
		BasePerSecond:       fpmath.NewExp(new(big.Int).Set(basePerSecond)),
		MultiplierPerSecond: fpmath.NewExp(new(big.Int).Set(multiplierPerSecond)),
	}
}

// Utilization returns borrows / (cash + borrows - reserves) as a mantissa,
// and zero when there are no borrows.
func (m *WhitePaperModel) Utilization(cash, borrows, reserves *big.Int) fpmath.Exp {
	if borrows.Sign() == 0 {
		return fpmath.ZeroExp()
	}
	denom := new(big.Int).Add(cash, borrows)
	denom.Sub(denom, reserves)
	return fpmath.NewExp(fpmath.DivScalarByExpTruncate(borrows, fpmath.NewExp(denom)))
}

func (m *WhitePaperModel) BorrowRatePerSecond(cash, borrows, reserves *big.Int) fpmath.Exp {
	util := m.Utilization(cash, borrows, reserves)
	return fpmath.AddExp(fpmath.MulExp(util, m.MultiplierPerSecond), m.BasePerSecond)
}

// SupplyRatePerSecond is the borrow rate earned by suppliers after the
// reserve cut, weighted by utilization.
func (m *WhitePaperModel) SupplyRatePerSecond(cash, borrows, reserves *big.Int, reserveFactor fpmath.Exp) fpmath.Exp {
	oneMinusReserve := fpmath.SubExp(fpmath.OneExp(), reserveFactor)
	rateToPool := fpmath.MulExp(m.BorrowRatePerSecond(cash, borrows, reserves), oneMinusReserve)
	return fpmath.MulExp(m.Utilization(cash, borrows, reserves), rateToPool)
}
