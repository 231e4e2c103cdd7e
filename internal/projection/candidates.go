package projection

import (
	"sync"
)

// CandidateEntry is one underwater account observed after a price move.
type CandidateEntry struct {
	Borrower   string `json:"borrower"`
	Collateral string `json:"collateral"` // Risk-weighted USD value, 1e18 mantissa
	Borrowed   string `json:"borrowed"`
	Shortfall  string `json:"shortfall"`
	Sequence   int64  `json:"sequence"`
	Timestamp  int64  `json:"timestamp"`
}

// CandidateFeed keeps the most recent liquidation candidates in memory for
// keeper queries. Bounded ring: old entries fall off, the operation log is
// the durable record.
type CandidateFeed struct {
	mu      sync.RWMutex
	entries []CandidateEntry
	cap     int
}

func NewCandidateFeed(capacity int) *CandidateFeed {
	if capacity <= 0 {
		capacity = 1024
	}
	return &CandidateFeed{cap: capacity}
}

// Add records a candidate, evicting the oldest entry at capacity.
func (f *CandidateFeed) Add(entry CandidateEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = append(f.entries, entry)
	if len(f.entries) > f.cap {
		f.entries = f.entries[len(f.entries)-f.cap:]
	}
}

// Recent returns up to limit candidates, newest first.
func (f *CandidateFeed) Recent(limit int) []CandidateEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]CandidateEntry, 0, limit)
	for i := len(f.entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, f.entries[i])
	}
	return result
}

// ByBorrower returns up to limit candidates for one borrower, newest first.
func (f *CandidateFeed) ByBorrower(borrower string, limit int) []CandidateEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]CandidateEntry, 0, limit)
	for i := len(f.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if f.entries[i].Borrower == borrower {
			result = append(result, f.entries[i])
		}
	}
	return result
}
