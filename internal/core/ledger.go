// Package core hosts the single-threaded operation processor. All market
// mutations flow through Ledger.Process: it deduplicates, validates source
// ordering, applies the operation under an atomicity boundary, assigns the
// global sequence, hashes the resulting state, and emits the envelope to the
// persistence and publish channels.
package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"LendLedger/internal/event"
	"LendLedger/internal/market"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"
	"LendLedger/internal/risk"
	"LendLedger/internal/strategy"
	"LendLedger/internal/token"
	"LendLedger/internal/txn"
)

// Output is one processed operation leaving the core.
type Output struct {
	Envelope *event.Envelope
	Event    event.Event
}

// Config wires a Ledger.
type Config struct {
	Authority       risk.Authority
	OracleAuthority oracle.Authority
	StartSequence   int64
	Engine          *risk.Engine
	Oracle          *oracle.SimpleOracle
	Clock           market.Clock
	DedupCapacity   int
	DBChecker       DBIdempotencyChecker
	Metrics         *observability.Metrics
	Logger          zerolog.Logger

	// PersistChan receives every output with a BLOCKING send: the core
	// stalls rather than lose an operation record.
	PersistChan chan<- Output
	// PublishChan receives outputs with a NON-BLOCKING send: downstream
	// consumers are best-effort and drops are counted, not fatal.
	PublishChan chan<- Output
}

// Ledger is the single-threaded lending core. Not safe for concurrent use;
// callers serialize through one goroutine, the way the service main does.
type Ledger struct {
	sequence     int64
	hasher       *StateHasher
	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator

	authority  risk.Authority
	oracleAuth oracle.Authority
	engine     *risk.Engine
	oracle     *oracle.SimpleOracle
	clock      market.Clock

	markets     map[string]*market.Token
	marketOrder []string
	strategies  map[string]*strategy.FlashLiquidator

	boundary   *txn.Group
	seenTokens map[token.Token]bool

	// Accounts ever touched by an operation, in first-seen order. The
	// post-price shortfall scan walks this set.
	accounts     map[token.Address]bool
	accountOrder []token.Address

	metrics *observability.Metrics
	log     zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output
}

func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Engine == nil || cfg.Oracle == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("core: engine, oracle, and clock are required")
	}
	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	return &Ledger{
		sequence:     cfg.StartSequence,
		hasher:       NewStateHasher(),
		idempotency:  NewIdempotencyChecker(capacity, cfg.DBChecker),
		seqValidator: NewSequenceValidator(cfg.Metrics),
		authority:    cfg.Authority,
		oracleAuth:   cfg.OracleAuthority,
		engine:       cfg.Engine,
		oracle:       cfg.Oracle,
		clock:        cfg.Clock,
		markets:      make(map[string]*market.Token),
		strategies:   make(map[string]*strategy.FlashLiquidator),
		boundary:     txn.NewGroup(cfg.Engine, cfg.Oracle),
		seenTokens:   make(map[token.Token]bool),
		accounts:     make(map[token.Address]bool),
		metrics:      cfg.Metrics,
		log:          cfg.Logger.With().Str("component", "core").Logger(),
		persistChan:  cfg.PersistChan,
		publishChan:  cfg.PublishChan,
	}, nil
}

// Sequence returns the next global sequence to be assigned.
func (l *Ledger) Sequence() int64 { return l.sequence }

// Engine exposes the risk engine for read-only query use.
func (l *Ledger) Engine() *risk.Engine { return l.engine }

// Market returns a listed market by symbol.
func (l *Ledger) Market(symbol string) (*market.Token, bool) {
	m, ok := l.markets[symbol]
	return m, ok
}

// Markets returns listed symbols in listing order.
func (l *Ledger) Markets() []string {
	out := make([]string, len(l.marketOrder))
	copy(out, l.marketOrder)
	return out
}

// Accounts returns every account seen by the core, in first-seen order.
func (l *Ledger) Accounts() []token.Address {
	out := make([]token.Address, len(l.accountOrder))
	copy(out, l.accountOrder)
	return out
}

// ListMarket registers a market with the risk engine, pulls it and its
// underlying into the atomicity boundary, and logs a MarketListed event.
func (l *Ledger) ListMarket(m *market.Token) error {
	if err := l.engine.ListMarket(l.authority, m); err != nil {
		return err
	}
	sym := m.Symbol()
	l.markets[sym] = m
	l.marketOrder = append(l.marketOrder, sym)
	l.boundary.Add(m)
	if snap, ok := m.Underlying().(txn.Snapshotter); ok && !l.seenTokens[m.Underlying()] {
		l.seenTokens[m.Underlying()] = true
		l.boundary.Add(snap)
	}

	ev := &event.MarketListed{Market: sym, Timestamp: l.clock.Now()}
	if dup, _ := l.idempotency.IsDuplicate(ev.EventType().String(), ev.IdempotencyKey()); !dup {
		l.emit(ev)
		l.idempotency.MarkProcessed(ev.EventType().String(), ev.IdempotencyKey())
	}
	l.log.Info().Str("market", sym).Msg("market listed")
	return nil
}

// RegisterStrategy makes a flash liquidator addressable by FlashLiquidation
// events.
func (l *Ledger) RegisterStrategy(name string, liq *strategy.FlashLiquidator) {
	l.strategies[name] = liq
}

// BuildFlashStrategy wires a flash liquidator over two listed markets,
// sharing the ledger's atomicity boundary, and registers it under name.
func (l *Ledger) BuildFlashStrategy(
	name string,
	lender *strategy.PoolFlashLender,
	router *strategy.FixedRateRouter,
	borrowedSym, collateralSym string,
) error {
	borrowed, ok := l.markets[borrowedSym]
	if !ok {
		return risk.Errf(risk.CodeMarketNotListed, "core.BuildFlashStrategy", "borrowed market %s", borrowedSym)
	}
	collateral, ok := l.markets[collateralSym]
	if !ok {
		return risk.Errf(risk.CodeMarketNotListed, "core.BuildFlashStrategy", "collateral market %s", collateralSym)
	}
	liq, err := strategy.NewFlashLiquidator(strategy.Config{
		Lender:     lender,
		Router:     router,
		Borrowed:   borrowed,
		Collateral: collateral,
		Boundary:   l.boundary,
		Logger:     l.log,
	})
	if err != nil {
		return err
	}
	l.strategies[name] = liq
	return nil
}

// Replay re-applies a previously persisted operation during recovery. It
// bypasses dedup and does not emit: the operation-log row already exists.
// The hash chain and global sequence advance exactly as they did live, so
// after replay the chain tip matches the stored state_hash.
func (l *Ledger) Replay(seq int64, evt event.Event) error {
	switch evt.(type) {
	case *event.MarketListed, *event.LiquidationCandidate:
		// Derived rows: listings are re-done from configuration at startup
		// and candidates are signals, so only sequence and hash advance.
	default:
		if err := l.boundary.Run(func() error { return l.apply(evt) }); err != nil {
			return err
		}
	}

	l.idempotency.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey())

	// Reseed ordering state so live traffic continues where the log ends.
	// Unsequenced events never advanced it, so they have nothing to reseed.
	if priceEvt, ok := evt.(*event.PriceUpdate); ok {
		if priceEvt.Sequence > 0 {
			l.seqValidator.SetExpectedSequence("price:"+priceEvt.Market, priceEvt.Sequence+1)
		}
	} else if evt.SourceSequence() > 0 {
		l.seqValidator.SetExpectedSequence(l.partition(evt), evt.SourceSequence()+1)
	}

	l.hasher.ComputeHash(seq, l.stateDigest())
	l.sequence = seq + 1
	return nil
}

// WarmLRU preloads composite dedup keys recovered from the operation log.
func (l *Ledger) WarmLRU(keys []string) {
	l.idempotency.lru.WarmFromKeys(keys)
}

// SequenceState returns a copy of the per-partition ordering state.
func (l *Ledger) SequenceState() map[string]int64 {
	out := make(map[string]int64, len(l.seqValidator.expectedNextSeq))
	for k, v := range l.seqValidator.expectedNextSeq {
		out[k] = v
	}
	return out
}

// RestoreSequenceState seeds per-partition ordering state from a snapshot.
func (l *Ledger) RestoreSequenceState(state map[string]int64) {
	for partition, seq := range state {
		l.seqValidator.SetExpectedSequence(partition, seq)
	}
}

// StateHash returns the chain tip: the state hash of the last emitted
// operation.
func (l *Ledger) StateHash() [32]byte {
	return l.hasher.GetPrevHash()
}

// Process runs one operation through the full pipeline.
func (l *Ledger) Process(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	isDuplicate, tier := l.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Price updates are level-triggered: stale ones are silently dropped,
	// gaps accepted. Operation streams are strictly ordered per partition.
	if priceEvt, ok := evt.(*event.PriceUpdate); ok {
		if err := l.seqValidator.ValidatePriceSequence(priceEvt.Market, priceEvt.Sequence); err != nil {
			l.reject(eventType, "stale_price")
			return nil
		}
	} else if evt.SourceSequence() > 0 {
		if err := l.seqValidator.ValidateSequence(l.partition(evt), evt.SourceSequence(), isDuplicate); err != nil {
			l.reject(eventType, "sequence")
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		l.reject(eventType, "duplicate")
		if l.metrics != nil {
			l.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
		}
		return nil
	}

	// Apply under the boundary: a failed multi-step operation (liquidation,
	// flash execution) leaves no partial state behind.
	if err := l.boundary.Run(func() error { return l.apply(evt) }); err != nil {
		l.reject(eventType, "apply")
		return err
	}

	l.emit(evt)
	l.idempotency.MarkProcessed(eventType, idempotencyKey)

	if l.metrics != nil {
		l.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		l.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		l.metrics.DedupLRUSize.Set(float64(l.idempotency.Size()))
	}

	// A fresh price can push accounts underwater; surface them immediately.
	if priceEvt, ok := evt.(*event.PriceUpdate); ok {
		l.scanShortfalls(priceEvt.Timestamp)
	}
	return nil
}

// apply dispatches an operation to the domain state.
func (l *Ledger) apply(evt event.Event) error {
	switch ev := evt.(type) {
	case *event.PriceUpdate:
		if err := l.oracle.SetUnderlyingPrice(l.oracleAuth, ev.Market, ev.Price); err != nil {
			return err
		}
		if l.metrics != nil {
			l.metrics.PriceUpdates.WithLabelValues(ev.Market).Inc()
		}
		return nil

	case *event.RiskParamUpdate:
		switch ev.Param {
		case "collateral_factor":
			return l.engine.SetCollateralFactor(l.authority, ev.Market, ev.Value)
		case "close_factor":
			return l.engine.SetCloseFactor(l.authority, ev.Value)
		case "liquidation_incentive":
			return l.engine.SetLiquidationIncentive(l.authority, ev.Value)
		default:
			return risk.Errf(risk.CodeInvalidParameter, "core.Process", "unknown risk param %q", ev.Param)
		}

	case *event.Mint:
		m, err := l.market(ev.Market)
		if err != nil {
			return err
		}
		shares, err := m.Mint(token.Address(ev.Account), ev.Amount)
		if err != nil {
			return err
		}
		ev.Shares = shares
		l.trackAccount(token.Address(ev.Account))
		if l.metrics != nil {
			l.bumpVolume(l.metrics.SupplyVolume, ev.Market, ev.Amount)
		}
		l.updateMarketGauges(m)
		return nil

	case *event.Redeem:
		m, err := l.market(ev.Market)
		if err != nil {
			return err
		}
		amount, err := m.Redeem(token.Address(ev.Account), ev.Shares)
		if err != nil {
			return err
		}
		ev.Amount = amount
		l.updateMarketGauges(m)
		return nil

	case *event.EnterMarkets:
		l.trackAccount(token.Address(ev.Account))
		return l.engine.EnterMarkets(token.Address(ev.Account), ev.Markets)

	case *event.ExitMarket:
		return l.engine.ExitMarket(token.Address(ev.Account), ev.Market)

	case *event.Borrow:
		m, err := l.market(ev.Market)
		if err != nil {
			return err
		}
		if err := m.Borrow(token.Address(ev.Account), ev.Amount); err != nil {
			return err
		}
		l.trackAccount(token.Address(ev.Account))
		if l.metrics != nil {
			l.bumpVolume(l.metrics.BorrowVolume, ev.Market, ev.Amount)
		}
		l.updateMarketGauges(m)
		return nil

	case *event.Repay:
		m, err := l.market(ev.Market)
		if err != nil {
			return err
		}
		if err := m.RepayBorrow(token.Address(ev.Account), ev.Amount); err != nil {
			return err
		}
		ev.Remaining = m.BorrowBalanceStored(token.Address(ev.Account))
		if l.metrics != nil {
			l.bumpVolume(l.metrics.RepayVolume, ev.Market, ev.Amount)
		}
		l.updateMarketGauges(m)
		return nil

	case *event.Liquidation:
		repayM, err := l.market(ev.RepayMarket)
		if err != nil {
			return err
		}
		collM, err := l.market(ev.CollateralMarket)
		if err != nil {
			return err
		}
		seized, err := repayM.LiquidateBorrow(
			token.Address(ev.Liquidator), token.Address(ev.Borrower), ev.RepayAmount, collM)
		if err != nil {
			if l.metrics != nil {
				l.metrics.LiquidationsRejected.WithLabelValues(ev.RepayMarket, risk.CodeOf(err).String()).Inc()
			}
			return err
		}
		ev.SeizedShares = seized
		l.trackAccount(token.Address(ev.Liquidator))
		if l.metrics != nil {
			l.metrics.LiquidationsExecuted.WithLabelValues(ev.RepayMarket).Inc()
		}
		l.updateMarketGauges(repayM)
		l.updateMarketGauges(collM)
		return nil

	case *event.FlashLiquidation:
		liq, ok := l.strategies[ev.Strategy]
		if !ok {
			return risk.Errf(risk.CodeInvalidParameter, "core.Process", "unknown strategy %q", ev.Strategy)
		}
		res, err := liq.Execute(token.Address(ev.Borrower), ev.RepayAmount)
		if err != nil {
			if l.metrics != nil {
				l.metrics.FlashLiquidations.WithLabelValues(ev.RepayMarket, "failed").Inc()
			}
			return err
		}
		ev.Premium = res.Premium
		ev.SeizedShares = res.SeizedShares
		ev.Proceeds = res.Proceeds
		ev.Profit = res.Profit
		if l.metrics != nil {
			l.metrics.FlashLiquidations.WithLabelValues(ev.RepayMarket, "ok").Inc()
		}
		return nil

	default:
		return risk.Errf(risk.CodeInvalidParameter, "core.Process",
			"event type %s is not an external operation", evt.EventType())
	}
}

// emit seals the current state into an envelope and pushes it downstream.
func (l *Ledger) emit(evt event.Event) {
	hashStart := time.Now()
	digest := l.stateDigest()
	prevHash := l.hasher.GetPrevHash()
	stateHash := l.hasher.ComputeHash(l.sequence, digest)
	if l.metrics != nil {
		l.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		// Payloads are plain structs; a marshal failure is a programming error.
		panic(fmt.Sprintf("FATAL: marshal %s payload: %v", evt.EventType(), err))
	}

	envelope := &event.Envelope{
		Sequence:       l.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Market:         evt.MarketID(),
		Account:        l.accountOf(evt),
		Timestamp:      l.timestampOf(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	out := Output{Envelope: envelope, Event: evt}

	if l.persistChan != nil {
		if l.metrics != nil && len(l.persistChan) == cap(l.persistChan) {
			l.metrics.PersistBackpressure.Inc()
		}
		l.persistChan <- out
	}
	if l.publishChan != nil {
		select {
		case l.publishChan <- out:
		default:
			if l.metrics != nil {
				l.metrics.PublishDrops.Inc()
			}
		}
	}

	l.sequence++
	if l.metrics != nil {
		l.metrics.CoreSequence.Set(float64(l.sequence))
	}
}

// scanShortfalls walks every known account after a price move and emits a
// LiquidationCandidate for each one left underwater.
func (l *Ledger) scanShortfalls(timestamp int64) {
	underwater := 0
	for _, account := range l.accountOrder {
		snap, err := l.engine.AccountLiquidity(account)
		if err != nil {
			// A market without a price cannot be judged; skip until the
			// feed recovers.
			continue
		}
		if snap.Shortfall.Sign() <= 0 {
			continue
		}
		underwater++
		candidate := &event.LiquidationCandidate{
			Borrower:   string(account),
			Collateral: snap.Collateral,
			Borrowed:   snap.Borrowed,
			Shortfall:  snap.Shortfall,
			Sequence:   l.sequence,
			Timestamp:  timestamp,
		}
		l.emit(candidate)
		if l.metrics != nil {
			l.metrics.CandidatesEmitted.Inc()
		}
		l.log.Warn().
			Str("account", string(account)).
			Str("shortfall", snap.Shortfall.String()).
			Msg("liquidation candidate")
	}
	if l.metrics != nil {
		l.metrics.ShortfallAccounts.Set(float64(underwater))
	}
}

// stateDigest serializes the full book deterministically: every market's
// totals, oracle price, and collateral factor in listing order, then the
// engine's global risk parameters.
func (l *Ledger) stateDigest() []byte {
	var buf bytes.Buffer
	for _, sym := range l.marketOrder {
		m := l.markets[sym]
		fmt.Fprintf(&buf, "%s|%s|%s|%s|%s|%s|%d\n",
			sym,
			m.Cash(),
			m.TotalShares(),
			m.TotalBorrows(),
			m.TotalReserves(),
			m.BorrowIndex().Mantissa,
			m.AccrualTimestamp(),
		)
		priceStr := "0"
		if price, ok := l.oracle.UnderlyingPrice(sym); ok {
			priceStr = price.Mantissa.String()
		}
		factor, _ := l.engine.CollateralFactor(sym)
		fmt.Fprintf(&buf, "risk|%s|%s|%s\n", sym, priceStr, factor.Mantissa)
	}
	fmt.Fprintf(&buf, "params|%s|%s\n",
		l.engine.CloseFactor().Mantissa,
		l.engine.LiquidationIncentive().Mantissa,
	)
	return buf.Bytes()
}

func (l *Ledger) market(symbol string) (*market.Token, error) {
	m, ok := l.markets[symbol]
	if !ok {
		return nil, risk.Errf(risk.CodeMarketNotListed, "core.Process", "market %s", symbol)
	}
	return m, nil
}

func (l *Ledger) trackAccount(account token.Address) {
	if l.accounts[account] {
		return
	}
	l.accounts[account] = true
	l.accountOrder = append(l.accountOrder, account)
}

func (l *Ledger) partition(evt event.Event) string {
	if account := l.accountOf(evt); account != "" {
		return "ops:" + account
	}
	if m := evt.MarketID(); m != nil {
		return "admin:" + *m
	}
	return "admin:global"
}

func (l *Ledger) accountOf(evt event.Event) string {
	switch ev := evt.(type) {
	case *event.Mint:
		return ev.Account
	case *event.Redeem:
		return ev.Account
	case *event.EnterMarkets:
		return ev.Account
	case *event.ExitMarket:
		return ev.Account
	case *event.Borrow:
		return ev.Account
	case *event.Repay:
		return ev.Account
	case *event.Liquidation:
		return ev.Liquidator
	case *event.FlashLiquidation:
		return ev.Strategy
	case *event.LiquidationCandidate:
		return ev.Borrower
	default:
		return ""
	}
}

func (l *Ledger) timestampOf(evt event.Event) int64 {
	switch ev := evt.(type) {
	case *event.MarketListed:
		return ev.Timestamp
	case *event.RiskParamUpdate:
		return ev.Timestamp
	case *event.PriceUpdate:
		return ev.Timestamp
	case *event.Mint:
		return ev.Timestamp
	case *event.Redeem:
		return ev.Timestamp
	case *event.EnterMarkets:
		return ev.Timestamp
	case *event.ExitMarket:
		return ev.Timestamp
	case *event.Borrow:
		return ev.Timestamp
	case *event.Repay:
		return ev.Timestamp
	case *event.Liquidation:
		return ev.Timestamp
	case *event.FlashLiquidation:
		return ev.Timestamp
	case *event.LiquidationCandidate:
		return ev.Timestamp
	default:
		return l.clock.Now()
	}
}

func (l *Ledger) reject(eventType, reason string) {
	if l.metrics != nil {
		l.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (l *Ledger) bumpVolume(vec *prometheus.CounterVec, marketSym string, amount *big.Int) {
	if vec == nil {
		return
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	vec.WithLabelValues(marketSym).Add(f)
}

func (l *Ledger) updateMarketGauges(m *market.Token) {
	if l.metrics == nil {
		return
	}
	cash, _ := new(big.Float).SetInt(m.Cash()).Float64()
	borrows, _ := new(big.Float).SetInt(m.TotalBorrows()).Float64()
	reserves, _ := new(big.Float).SetInt(m.TotalReserves()).Float64()
	l.metrics.MarketCash.WithLabelValues(m.Symbol()).Set(cash)
	l.metrics.MarketBorrows.WithLabelValues(m.Symbol()).Set(borrows)
	l.metrics.MarketReserves.WithLabelValues(m.Symbol()).Set(reserves)
}
