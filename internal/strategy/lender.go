package strategy

import (
	"fmt"
	"math/big"

	"LendLedger/internal/token"
)

// FlashLender grants uncollateralized liquidity that must be repaid, plus a
// premium, before the lending call returns.
type FlashLender interface {
	// Asset is the token the lender deals in.
	Asset() token.Token
	// Fee returns the premium charged on a loan of amount.
	Fee(amount *big.Int) *big.Int
	// Loan transfers amount to the recipient, runs fn, then pulls
	// amount+fee back from the recipient. The recipient must hold the
	// repayment and have approved the lender by the time fn returns;
	// otherwise the loan fails.
	Loan(recipient token.Address, amount *big.Int, fn func() error) error
}

// Flash-loan failure modes.
var (
	ErrInsufficientPoolCash = fmt.Errorf("flash pool has insufficient cash")
	ErrLoanNotRepaid        = fmt.Errorf("flash loan not repaid")
)

// PoolFlashLender lends out of a single-asset pool it custodies under its
// own address. The premium is a flat basis-point cut of the principal,
// retained by the pool.
type PoolFlashLender struct {
	asset  token.Token
	addr   token.Address
	feeBps int64
}

// NewPoolFlashLender creates a pool charging feeBps basis points per loan
// (9 = 0.09%).
func NewPoolFlashLender(asset token.Token, feeBps int64) *PoolFlashLender {
	return &PoolFlashLender{
		asset:  asset,
		addr:   token.Address("flashpool:" + asset.Symbol()),
		feeBps: feeBps,
	}
}

func (p *PoolFlashLender) Asset() token.Token    { return p.asset }
func (p *PoolFlashLender) Address() token.Address { return p.addr }

// Fund deposits pool liquidity from a funder account.
func (p *PoolFlashLender) Fund(funder token.Address, amount *big.Int) error {
	return p.asset.Transfer(funder, p.addr, amount)
}

// Cash is the pool's lendable balance.
func (p *PoolFlashLender) Cash() *big.Int {
	return p.asset.BalanceOf(p.addr)
}

func (p *PoolFlashLender) Fee(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(p.feeBps))
	return fee.Quo(fee, big.NewInt(10_000))
}

func (p *PoolFlashLender) Loan(recipient token.Address, amount *big.Int, fn func() error) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("flash loan amount must be positive")
	}
	if p.Cash().Cmp(amount) < 0 {
		return fmt.Errorf("loan of %s %s: %w", amount, p.asset.Symbol(), ErrInsufficientPoolCash)
	}
	if err := p.asset.Transfer(p.addr, recipient, amount); err != nil {
		return fmt.Errorf("flash payout: %w", err)
	}
	if err := fn(); err != nil {
		return err
	}
	repayment := new(big.Int).Add(amount, p.Fee(amount))
	if err := p.asset.TransferFrom(p.addr, recipient, p.addr, repayment); err != nil {
		return fmt.Errorf("%w: %v", ErrLoanNotRepaid, err)
	}
	return nil
}
