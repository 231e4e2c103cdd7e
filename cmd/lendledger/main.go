package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/market"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/rates"
	"LendLedger/internal/risk"
	"LendLedger/internal/server"
	"LendLedger/internal/strategy"
	"LendLedger/internal/token"
)

// versionedClock tracks the timestamp of the operation being applied, so
// interest accrual is driven by input timestamps rather than wall-clock
// reads. Only the core loop goroutine touches it.
type versionedClock struct {
	now int64
}

func (c *versionedClock) Now() int64 { return c.now }

// Advance moves the clock forward, never backward: a late-delivered
// timestamp must not rewind accrual.
func (c *versionedClock) Advance(ts int64) {
	if ts > c.now {
		c.now = ts
	}
}

func main() {
	configPath := flag.String("config", os.Getenv("LEND_CONFIG"), "path to TOML config")
	flag.Parse()

	log := observability.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrationsDir := os.Getenv("LEND_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	if err := persistence.NewMigrator(db, migrationsDir, observability.NewLogger("migrate")).Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks (backpressure); publish drops.
	persistChan := make(chan core.Output, cfg.Core.PersistBuffer)
	publishChan := make(chan core.Output, cfg.Core.PublishBuffer)

	// --- Domain state ---
	clock := &versionedClock{now: time.Now().Unix()}
	engine := risk.NewEngine(risk.Authority(cfg.Core.Authority))
	priceOracle := oracle.NewSimpleOracle(oracle.Authority(cfg.Core.OracleAuthority))
	if err := engine.SetPriceOracle(risk.Authority(cfg.Core.Authority), priceOracle); err != nil {
		log.Fatal().Err(err).Msg("set price oracle")
	}

	base, _ := cfg.MantissaField("rates.base_per_second", cfg.Rates.BasePerSecond)
	multiplier, _ := cfg.MantissaField("rates.multiplier_per_second", cfg.Rates.MultiplierPerSecond)
	model := rates.NewWhitePaperModel(base, multiplier)

	// --- Core ---
	ledger, err := core.NewLedger(core.Config{
		Authority:       risk.Authority(cfg.Core.Authority),
		OracleAuthority: oracle.Authority(cfg.Core.OracleAuthority),
		StartSequence:   0,
		Engine:          engine,
		Oracle:          priceOracle,
		Clock:           clock,
		DedupCapacity:   cfg.Core.DedupCapacity,
		DBChecker:       persistence.NewPostgresIdempotencyChecker(db),
		Metrics:         metrics,
		Logger:          observability.NewLogger("core"),
		PersistChan:     persistChan,
		PublishChan:     publishChan,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("construct core")
	}

	// --- Recovery: replay the operation log, then list markets ---
	snapMgr := persistence.NewSnapshotManager(db)
	writer := persistence.NewOperationWriter(db)

	keys, err := writer.RecentKeys(ctx, cfg.Core.DedupCapacity)
	if err != nil {
		log.Warn().Err(err).Msg("warm dedup keys")
	} else if len(keys) > 0 {
		ledger.WarmLRU(keys)
		log.Info().Int("keys", len(keys)).Msg("dedup cache warmed")
	}

	if snap, err := snapMgr.LoadLatestSnapshot(ctx); err != nil {
		log.Warn().Err(err).Msg("load snapshot")
	} else if snap != nil {
		ledger.RestoreSequenceState(snap.SequenceState)
		log.Info().Int64("sequence", snap.Sequence).Msg("ordering state restored from snapshot")
	}

	// Markets come from configuration; listings already in the log are
	// deduplicated and not re-emitted.
	underlyings := make(map[string]*token.StandardToken)
	marketsBySymbol := make(map[string]*market.Token)
	for _, mc := range cfg.Markets {
		underlying, ok := underlyings[mc.UnderlyingSymbol]
		if !ok {
			underlying = token.NewStandardToken(mc.UnderlyingSymbol, mc.UnderlyingDecimals)
			underlyings[mc.UnderlyingSymbol] = underlying
		}

		initialRate, _ := cfg.MantissaField("initial_exchange_rate", mc.InitialExchangeRate)
		reserveFactor, _ := cfg.MantissaField("reserve_factor", mc.ReserveFactor)

		m := market.New(market.Config{
			Symbol:              mc.Symbol,
			Underlying:          underlying,
			InitialExchangeRate: initialRate,
			ReserveFactor:       reserveFactor,
		}, engine, model, clock)

		if err := ledger.ListMarket(m); err != nil {
			log.Fatal().Err(err).Str("market", mc.Symbol).Msg("list market")
		}
		marketsBySymbol[mc.Symbol] = m

		cf, _ := cfg.MantissaField("collateral_factor", mc.CollateralFactor)
		if err := engine.SetCollateralFactor(risk.Authority(cfg.Core.Authority), mc.Symbol, cf); err != nil {
			log.Fatal().Err(err).Str("market", mc.Symbol).Msg("set collateral factor")
		}
	}

	closeFactor, _ := cfg.MantissaField("risk.close_factor", cfg.Risk.CloseFactor)
	if err := engine.SetCloseFactor(risk.Authority(cfg.Core.Authority), closeFactor); err != nil {
		log.Fatal().Err(err).Msg("set close factor")
	}
	incentive, _ := cfg.MantissaField("risk.liquidation_incentive", cfg.Risk.LiquidationIncentive)
	if err := engine.SetLiquidationIncentive(risk.Authority(cfg.Core.Authority), incentive); err != nil {
		log.Fatal().Err(err).Msg("set liquidation incentive")
	}

	// Flash-liquidation venues: a flash pool per underlying and one shared
	// router, faucet-funded so the reference strategies can settle. Router
	// quotes track oracle prices as they arrive.
	router := strategy.NewFixedRateRouter(30)
	pools := make(map[string]*strategy.PoolFlashLender)
	for sym, underlying := range underlyings {
		pool := strategy.NewPoolFlashLender(underlying, 9)
		seed := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(underlying.Decimals())+9), nil)
		underlying.Mint(pool.Address(), seed)
		underlying.Mint(router.Address(), seed)
		pools[sym] = pool
	}
	for _, bc := range cfg.Markets {
		for _, cc := range cfg.Markets {
			if bc.Symbol == cc.Symbol {
				continue
			}
			name := "flash:" + bc.Symbol + ":" + cc.Symbol
			if err := ledger.BuildFlashStrategy(name, pools[bc.UnderlyingSymbol], router, bc.Symbol, cc.Symbol); err != nil {
				log.Fatal().Err(err).Str("strategy", name).Msg("build flash strategy")
			}
		}
	}

	onApplied := func(evt event.Event) {
		if pu, ok := evt.(*event.PriceUpdate); ok {
			if m, ok := marketsBySymbol[pu.Market]; ok {
				_ = router.SetRate(m.Underlying().Symbol(), pu.Price)
			}
		}
	}

	replayed, err := replayOperations(ctx, snapMgr, ledger, clock, onApplied, log)
	if err != nil {
		log.Fatal().Err(err).Msg("operation replay")
	}
	if replayed > 0 {
		log.Info().Int64("operations", replayed).Int64("sequence", ledger.Sequence()).Msg("operation log replayed")
	}

	// --- NATS ---
	var natsSubscriber *ingestion.NATSSubscriber
	rawEventChan := make(chan ingestion.RawEvent, 4096)
	outboundChan := make(chan ingestion.PublishableEvent, 4096)

	errChan := make(chan error, 10)

	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		log.Info().Msg("nats connected")

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure nats streams")
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure outbound stream")
		}

		natsSubscriber = ingestion.NewNATSSubscriber(js, rawEventChan)
		if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			log.Fatal().Err(err).Msg("nats subscribe")
		}

		outboundPublisher := ingestion.NewOutboundPublisher(js, outboundChan)
		go func() {
			errChan <- outboundPublisher.Run(ctx)
		}()
	}

	// --- Workers ---
	persistRowChan := make(chan persistence.Row, cfg.Core.PersistBuffer)
	persistWorker := persistence.NewWorker(
		db, persistRowChan, cfg.Postgres.BatchSize, cfg.Postgres.FlushTimeout(),
		metrics, observability.NewLogger("persistence"),
	)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	projectionChan := make(chan projection.Output, cfg.Core.PublishBuffer)
	projWorker := projection.NewWorker(db, projectionChan)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	candidateFeed := projection.NewCandidateFeed(4096)

	// Output bridge: persist rows block, projection and outbound drop.
	go bridgeOutputs(ctx, persistChan, publishChan, persistRowChan, projectionChan, outboundChan, candidateFeed, metrics)

	// --- HTTP API ---
	submitChan := make(chan event.Event, 4096)
	bridge := &coreBridge{
		requests: make(chan func(), 64),
		ledger:   ledger,
		markets:  marketsBySymbol,
	}
	httpServer := server.New(cfg.Server.HTTPAddr, &server.Deps{
		Query:          query.NewService(db),
		Core:           bridge,
		Candidates:     candidateFeed,
		Submit:         submitChan,
		Health:         healthChecker,
		Metrics:        metrics,
		Logger:         observability.NewLogger("http"),
		AdminAuthority: cfg.Core.Authority,
	})
	go func() {
		errChan <- httpServer.Run(ctx)
	}()

	// --- Core loop: the single goroutine that mutates the book ---
	go runCoreLoop(ctx, ledger, clock, rawEventChan, submitChan, bridge.requests, onApplied, log)

	// --- Periodic snapshots ---
	go runPeriodicSnapshots(ctx, ledger, priceOracle, marketsBySymbol, snapMgr, log)

	// --- Channel utilization gauges ---
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			}
		}
	}()

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", ledger.Sequence()).
		Str("http", cfg.Server.HTTPAddr).
		Strs("markets", ledger.Markets()).
		Msg("lendledger ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	cancel()

	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := takeSnapshot(shutdownCtx, ledger, priceOracle, marketsBySymbol, snapMgr); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Msg("final snapshot saved")
	}

	log.Info().Msg("shutdown complete")
}

// runCoreLoop serializes every mutation through one goroutine: NATS traffic
// and HTTP submissions funnel into Ledger.Process in arrival order.
func runCoreLoop(
	ctx context.Context,
	ledger *core.Ledger,
	clock *versionedClock,
	rawChan <-chan ingestion.RawEvent,
	submitChan <-chan event.Event,
	readRequests <-chan func(),
	onApplied func(event.Event),
	log zerolog.Logger,
) {
	subjectToType := make(map[string]string)
	for _, cfg := range ingestion.DefaultSubjects() {
		prefix := strings.TrimSuffix(cfg.Subject, ".>")
		subjectToType[prefix] = cfg.EventType
	}

	process := func(evt event.Event) {
		clock.Advance(timestampOf(evt))
		if err := ledger.Process(evt); err != nil {
			log.Error().
				Err(err).
				Str("type", evt.EventType().String()).
				Msg("operation rejected")
			return
		}
		onApplied(evt)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := resolveEventType(raw.Subject, subjectToType)
			if eventType == "" {
				log.Warn().Str("subject", raw.Subject).Msg("unknown nats subject")
				raw.AckFunc()
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				// Unparseable messages are acked: redelivery cannot fix them.
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse failed")
				raw.AckFunc()
				continue
			}

			process(evt)
			// Ack after processing: a crash mid-apply redelivers, and the
			// dedup layer drops anything that already committed.
			raw.AckFunc()

		case evt, ok := <-submitChan:
			if !ok {
				return
			}
			process(evt)

		case fn := <-readRequests:
			fn()
		}
	}
}

// coreBridge serves live-book reads for the HTTP API by marshalling each
// call onto the core goroutine through the request channel.
type coreBridge struct {
	requests chan func()
	ledger   *core.Ledger
	markets  map[string]*market.Token
}

func (b *coreBridge) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case b.requests <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *coreBridge) Markets(ctx context.Context) ([]server.MarketSummary, error) {
	var out []server.MarketSummary
	err := b.call(ctx, func() {
		for _, sym := range b.ledger.Markets() {
			if m, ok := b.markets[sym]; ok {
				out = append(out, marketSummary(m))
			}
		}
	})
	return out, err
}

func (b *coreBridge) Market(ctx context.Context, symbol string) (*server.MarketSummary, error) {
	var out *server.MarketSummary
	err := b.call(ctx, func() {
		if m, ok := b.markets[symbol]; ok {
			s := marketSummary(m)
			out = &s
		}
	})
	return out, err
}

func (b *coreBridge) AccountLiquidity(ctx context.Context, account string) (*server.LiquidityView, error) {
	var (
		out     *server.LiquidityView
		calcErr error
	)
	err := b.call(ctx, func() {
		snap, err := b.ledger.Engine().AccountLiquidity(token.Address(account))
		if err != nil {
			calcErr = err
			return
		}
		out = &server.LiquidityView{
			Account:    account,
			Collateral: snap.Collateral.String(),
			Borrowed:   snap.Borrowed.String(),
			Liquidity:  snap.Liquidity().String(),
			Shortfall:  snap.Shortfall.String(),
			Markets:    b.ledger.Engine().Membership(token.Address(account)),
		}
	})
	if err != nil {
		return nil, err
	}
	return out, calcErr
}

func (b *coreBridge) BorrowBalance(ctx context.Context, marketSymbol, account string) (*server.BorrowView, error) {
	var out *server.BorrowView
	err := b.call(ctx, func() {
		if m, ok := b.markets[marketSymbol]; ok {
			out = &server.BorrowView{
				Account:       account,
				Market:        marketSymbol,
				BorrowBalance: m.BorrowBalanceStored(token.Address(account)).String(),
			}
		}
	})
	return out, err
}

func marketSummary(m *market.Token) server.MarketSummary {
	return server.MarketSummary{
		Symbol:              m.Symbol(),
		Underlying:          m.Underlying().Symbol(),
		Cash:                m.Cash().String(),
		TotalShares:         m.TotalShares().String(),
		TotalBorrows:        m.TotalBorrows().String(),
		TotalReserves:       m.TotalReserves().String(),
		ExchangeRate:        m.ExchangeRateStored().Mantissa.String(),
		BorrowIndex:         m.BorrowIndex().Mantissa.String(),
		BorrowRatePerSecond: m.BorrowRatePerSecond().Mantissa.String(),
		SupplyRatePerSecond: m.SupplyRatePerSecond().Mantissa.String(),
		AccrualTimestamp:    m.AccrualTimestamp(),
	}
}

// resolveEventType matches a NATS subject to its operation type by longest
// configured prefix.
func resolveEventType(subject string, prefixMap map[string]string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range prefixMap {
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestType = evtType
		}
	}
	return bestType
}

// bridgeOutputs fans processed operations out to the persistence worker
// (blocking), the projection worker and outbound publisher (best-effort),
// and the in-memory candidate feed.
func bridgeOutputs(
	ctx context.Context,
	persistIn <-chan core.Output,
	publishIn <-chan core.Output,
	persistOut chan<- persistence.Row,
	projectionOut chan<- projection.Output,
	outboundOut chan<- ingestion.PublishableEvent,
	candidates *projection.CandidateFeed,
	metrics *observability.Metrics,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}
			persistOut <- persistence.RowFromEnvelope(output.Envelope)

		case output, ok := <-publishIn:
			if !ok {
				return
			}

			env := output.Envelope

			if cand, ok := output.Event.(*event.LiquidationCandidate); ok {
				candidates.Add(projection.CandidateEntry{
					Borrower:   cand.Borrower,
					Collateral: cand.Collateral.String(),
					Borrowed:   cand.Borrowed.String(),
					Shortfall:  cand.Shortfall.String(),
					Sequence:   env.Sequence,
					Timestamp:  env.Timestamp,
				})
			}

			projOut := projection.Output{
				Sequence:  env.Sequence,
				EventType: env.EventType.String(),
				Market:    env.Market,
				Account:   env.Account,
				Payload:   env.Payload,
				Timestamp: env.Timestamp,
			}
			select {
			case projectionOut <- projOut:
			default:
				// Projections rebuild from the log; dropping is safe.
			}

			select {
			case outboundOut <- ingestion.PublishableEvent{
				Sequence:       env.Sequence,
				EventType:      env.EventType.String(),
				IdempotencyKey: env.IdempotencyKey,
				Market:         env.Market,
				Account:        env.Account,
				Payload:        json.RawMessage(env.Payload),
				StateHash:      env.StateHash[:],
				Timestamp:      env.Timestamp,
			}:
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// replayOperations rebuilds in-memory state by re-applying the operation
// log from genesis. Failures are logged and skipped, matching the dedup
// guarantee: the log row is authoritative, the in-memory effect best-effort.
func replayOperations(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	ledger *core.Ledger,
	clock *versionedClock,
	onApplied func(event.Event),
	log zerolog.Logger,
) (int64, error) {
	const batchSize = 1000
	var total int64

	for from := int64(0); ; {
		rows, err := snapMgr.LoadOperationsFrom(ctx, from, batchSize)
		if err != nil {
			return total, fmt.Errorf("load operations from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			evt, err := replayEvent(row)
			if err != nil {
				log.Warn().Err(err).Int64("sequence", row.Sequence).Str("type", row.EventType).Msg("replay parse skip")
				continue
			}

			clock.Advance(row.Timestamp)
			if err := ledger.Replay(row.Sequence, evt); err != nil {
				log.Warn().Err(err).Int64("sequence", row.Sequence).Str("type", row.EventType).Msg("replay apply skip")
			} else {
				onApplied(evt)
			}
			total++
		}

		from = rows[len(rows)-1].Sequence + 1
	}

	return total, nil
}

// replayEvent decodes a stored payload back into a typed event. Stored
// payloads are the core's own structs, so derived rows that never cross the
// ingestion parser decode directly.
func replayEvent(row persistence.Row) (event.Event, error) {
	switch row.EventType {
	case "MarketListed":
		var ev event.MarketListed
		if err := json.Unmarshal(row.Payload, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	case "LiquidationCandidate":
		var ev event.LiquidationCandidate
		if err := json.Unmarshal(row.Payload, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	default:
		// Stored payload keys are Go field names; the core structs
		// unmarshal their own output directly.
		return decodeCoreEvent(row.EventType, row.Payload)
	}
}

func decodeCoreEvent(eventType string, payload []byte) (event.Event, error) {
	var evt event.Event
	switch eventType {
	case "Mint":
		evt = &event.Mint{}
	case "Redeem":
		evt = &event.Redeem{}
	case "EnterMarkets":
		evt = &event.EnterMarkets{}
	case "ExitMarket":
		evt = &event.ExitMarket{}
	case "Borrow":
		evt = &event.Borrow{}
	case "Repay":
		evt = &event.Repay{}
	case "Liquidation":
		evt = &event.Liquidation{}
	case "FlashLiquidation":
		evt = &event.FlashLiquidation{}
	case "PriceUpdate":
		evt = &event.PriceUpdate{}
	case "RiskParamUpdate":
		evt = &event.RiskParamUpdate{}
	default:
		return nil, fmt.Errorf("unknown stored event type: %s", eventType)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// runPeriodicSnapshots saves book aggregates and ordering state every few
// minutes for recovery and external verification.
func runPeriodicSnapshots(
	ctx context.Context,
	ledger *core.Ledger,
	priceOracle *oracle.SimpleOracle,
	markets map[string]*market.Token,
	snapMgr *persistence.SnapshotManager,
	log zerolog.Logger,
) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	lastSeq := ledger.Sequence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ledger.Sequence() == lastSeq {
				continue
			}
			if err := takeSnapshot(ctx, ledger, priceOracle, markets, snapMgr); err != nil {
				log.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSeq = ledger.Sequence()
			log.Info().Int64("sequence", lastSeq).Msg("periodic snapshot")
		}
	}
}

func takeSnapshot(
	ctx context.Context,
	ledger *core.Ledger,
	priceOracle *oracle.SimpleOracle,
	markets map[string]*market.Token,
	snapMgr *persistence.SnapshotManager,
) error {
	if ledger.Sequence() == 0 {
		return nil
	}
	stateHash := ledger.StateHash()

	snap := &persistence.SnapshotData{
		Sequence:      ledger.Sequence() - 1,
		StateHash:     stateHash[:],
		Prices:        make(map[string]string),
		SequenceState: ledger.SequenceState(),
		CreatedAt:     time.Now(),
	}

	for _, sym := range ledger.Markets() {
		m := markets[sym]
		if m == nil {
			continue
		}
		snap.Markets = append(snap.Markets, persistence.MarketSnap{
			Symbol:        sym,
			Cash:          m.Cash().String(),
			TotalShares:   m.TotalShares().String(),
			TotalBorrows:  m.TotalBorrows().String(),
			TotalReserves: m.TotalReserves().String(),
			BorrowIndex:   m.BorrowIndex().Mantissa.String(),
			AccrualTime:   m.AccrualTimestamp(),
		})
	}

	for _, sym := range priceOracle.Markets() {
		if price, ok := priceOracle.UnderlyingPrice(sym); ok {
			snap.Prices[sym] = price.Mantissa.String()
		}
	}

	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	return snapMgr.MarkVerified(ctx, snap.Sequence)
}

func timestampOf(evt event.Event) int64 {
	switch ev := evt.(type) {
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
	case *event.PriceUpdate:
		return ev.Timestamp
	case *event.RiskParamUpdate:
		return ev.Timestamp
	default:
		return 0
	}
}
