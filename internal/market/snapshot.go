package market

import (
	"math/big"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/token"
)

type marketSnapshot struct {
	totalShares   *big.Int
	shares        map[token.Address]*big.Int
	borrows       map[token.Address]*borrowSnapshot
	totalBorrows  *big.Int
	totalReserves *big.Int
	borrowIndex   fpmath.Exp
	accrualTime   int64
}

// Snapshot captures the full balance state for atomic rollback. The
// underlying token snapshots itself separately.
func (m *Token) Snapshot() any {
	shares := make(map[token.Address]*big.Int, len(m.shares))
	for k, v := range m.shares {
		shares[k] = new(big.Int).Set(v)
	}
	borrows := make(map[token.Address]*borrowSnapshot, len(m.borrows))
	for k, v := range m.borrows {
		borrows[k] = &borrowSnapshot{
			principal:     new(big.Int).Set(v.principal),
			interestIndex: v.interestIndex.Clone(),
		}
	}
	return &marketSnapshot{
		totalShares:   new(big.Int).Set(m.totalShares),
		shares:        shares,
		borrows:       borrows,
		totalBorrows:  new(big.Int).Set(m.totalBorrows),
		totalReserves: new(big.Int).Set(m.totalReserves),
		borrowIndex:   m.borrowIndex.Clone(),
		accrualTime:   m.accrualTime,
	}
}

// Restore reinstates a snapshot taken from this market.
func (m *Token) Restore(snap any) {
	s := snap.(*marketSnapshot)
	m.totalShares = s.totalShares
	m.shares = s.shares
	m.borrows = s.borrows
	m.totalBorrows = s.totalBorrows
	m.totalReserves = s.totalReserves
	m.borrowIndex = s.borrowIndex
	m.accrualTime = s.accrualTime
}
