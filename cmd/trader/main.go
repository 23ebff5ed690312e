// Command trader is the CLI for the paper-trading order manager. One
// subcommand per operation; every order-mutating path runs through the
// safety gates and the audit trail.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"papertrader/internal/broker"
	"papertrader/internal/config"
	"papertrader/internal/db"
	dbconf "papertrader/internal/db/conf"
	"papertrader/internal/gate"
	"papertrader/internal/instrument"
	"papertrader/internal/llm"
	"papertrader/internal/notifier"
	"papertrader/internal/oms"
	"papertrader/internal/order"
	"papertrader/internal/strategy"
)

const usage = `Usage: trader <command> [flags]

Commands:
  place         submit one order intent
  place-bracket submit a limit entry with take-profit and stop-loss exits
  modify        modify a working order
  cancel        cancel a working order
  status        show one order (refreshed from the broker)
  open-orders   list open orders at the broker
  positions     list broker positions
  account       print the broker account snapshot
  snapshot      print a market data snapshot
  history       print historical bars
  reconcile     align the local ledger with the broker
  track         poll open orders until terminal or timeout
  run           strategy tick loop
  llm-tick      execute one decision-source payload (stdin or -payload)
  paper-smoke   connectivity check: snapshot, account, optional order test

Run 'trader <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)

	// Command flags must be registered before config.Load parses.
	of := registerOrderFlags(fs)
	orderRef := fs.String("order", "", "Order reference (local or broker id)")
	duration := fs.String("duration", "1 D", "History span, e.g. '1 D', '2 W'")
	barSize := fs.String("bar-size", "5 mins", "History bar size, e.g. '1 min', '1 day'")
	payload := fs.String("payload", "", "Decision-source payload (reads stdin when empty)")
	entryLimit := fs.String("entry-limit", "", "Bracket entry limit price")
	takeProfit := fs.String("take-profit", "", "Bracket take-profit limit price")
	stopLoss := fs.String("stop-loss", "", "Bracket stop-loss stop price")
	orderTest := fs.Bool("order-test", false, "paper-smoke: place and cancel a far-from-market limit order")
	buyBelow := fs.String("buy-below", "", "Threshold strategy: buy at or below this price")
	sellAbove := fs.String("sell-above", "", "Threshold strategy: sell at or above this price")
	tickInterval := fs.Duration("tick-interval", 30*time.Second, "Strategy loop tick interval")

	cfg, err := config.Load(fs, os.Args[2:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	e, err := setup(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up: %v", err)
	}
	defer e.close(ctx)

	if err := dispatch(ctx, cmd, e, cfg, cmdArgs{
		order:        of,
		orderRef:     *orderRef,
		duration:     *duration,
		barSize:      *barSize,
		payload:      *payload,
		entryLimit:   *entryLimit,
		takeProfit:   *takeProfit,
		stopLoss:     *stopLoss,
		orderTest:    *orderTest,
		buyBelow:     *buyBelow,
		sellAbove:    *sellAbove,
		tickInterval: *tickInterval,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		e.close(ctx)
		os.Exit(1)
	}
}

type cmdArgs struct {
	order        *orderFlags
	orderRef     string
	duration     string
	barSize      string
	payload      string
	entryLimit   string
	takeProfit   string
	stopLoss     string
	orderTest    bool
	buyBelow     string
	sellAbove    string
	tickInterval time.Duration
}

type env struct {
	broker  broker.Broker
	storage db.Storage
	mgr     *oms.Manager
	runID   int64
	closed  bool
}

func setup(ctx context.Context, cfg config.Config) (*env, error) {
	var storage db.Storage
	if cfg.DBConnStr != "" {
		dbCfg, err := dbconf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		storage, err = db.New(*dbCfg)
		if err != nil {
			return nil, err
		}
	} else {
		storage = db.NewMemory()
	}

	var b broker.Broker
	switch cfg.Broker {
	case "sim":
		b = broker.NewSimBroker()
	case "gateway":
		b = broker.NewGatewayBroker(cfg.GatewayURL)
	default:
		return nil, fmt.Errorf("unknown broker %q (want sim or gateway)", cfg.Broker)
	}
	if err := b.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s broker: %w", b.Name(), err)
	}

	runID, err := storage.StartRun(ctx, map[string]any{
		"broker":               cfg.Broker,
		"live_enabled":         cfg.LiveEnabled,
		"dry_run":              cfg.DryRun,
		"allowlist":            cfg.Allowlist,
		"max_intents_per_tick": cfg.MaxIntentsPerTick,
		"max_order_qty":        cfg.MaxOrderQty,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	policy, err := cfg.GatePolicy()
	if err != nil {
		return nil, err
	}

	var notif notifier.Notifier = notifier.Noop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notif = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.ProxyURL, cfg.NotificationRetries, cfg.NotificationDelay)
	}

	mgr, err := oms.New(ctx, b, gate.New(policy), storage, notif, runID, cfg.ConfirmToken)
	if err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("Metrics server stopped: %v", err)
			}
		}()
	}

	return &env{broker: b, storage: storage, mgr: mgr, runID: runID}, nil
}

func (e *env) close(ctx context.Context) {
	if e.closed {
		return
	}
	e.closed = true
	if err := e.storage.EndRun(ctx, e.runID); err != nil {
		log.Printf("Failed to close run %d: %v", e.runID, err)
	}
	if err := e.broker.Close(); err != nil {
		log.Printf("Failed to close broker: %v", err)
	}
}

func dispatch(ctx context.Context, cmd string, e *env, cfg config.Config, args cmdArgs) error {
	switch cmd {
	case "place":
		return runPlace(ctx, e, args.order)
	case "place-bracket":
		return runPlaceBracket(ctx, e, args)
	case "modify":
		return runModify(ctx, e, args.orderRef, args.order)
	case "cancel":
		return runCancel(ctx, e, args.orderRef)
	case "status":
		return runStatus(ctx, e, args.orderRef)
	case "open-orders":
		return runOpenOrders(ctx, e)
	case "positions":
		return runPositions(ctx, e)
	case "account":
		return runAccount(ctx, e)
	case "snapshot":
		return runSnapshot(ctx, e, args.order)
	case "history":
		return runHistory(ctx, e, args.order, args.duration, args.barSize)
	case "reconcile":
		return runReconcile(ctx, e)
	case "track":
		return runTrack(ctx, e, cfg)
	case "run":
		return runLoop(ctx, e, cfg, args)
	case "llm-tick":
		return runLLMTick(ctx, e, args.payload)
	case "paper-smoke":
		return runPaperSmoke(ctx, e, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// orderFlags are the shared instrument/order flags for order-carrying and
// market data commands.
type orderFlags struct {
	kind, symbol, exchange, currency, expiry    string
	side, qty, orderType, limit, stop, tif, gtd string
}

func registerOrderFlags(fs *flag.FlagSet) *orderFlags {
	var of orderFlags
	fs.StringVar(&of.kind, "kind", "STK", "Instrument kind: STK, FUT, or FX")
	fs.StringVar(&of.symbol, "symbol", "", "Instrument symbol")
	fs.StringVar(&of.exchange, "exchange", "", "Exchange (default SMART/IDEALPRO)")
	fs.StringVar(&of.currency, "currency", "", "Currency (default USD)")
	fs.StringVar(&of.expiry, "expiry", "", "Futures expiry, YYYYMM or YYYYMMDD")
	fs.StringVar(&of.side, "side", "", "BUY or SELL")
	fs.StringVar(&of.qty, "qty", "", "Order quantity")
	fs.StringVar(&of.orderType, "type", "MKT", "Order type: MKT, LMT, STP, STPLMT")
	fs.StringVar(&of.limit, "limit", "", "Limit price")
	fs.StringVar(&of.stop, "stop", "", "Stop price")
	fs.StringVar(&of.tif, "tif", "DAY", "Time in force: DAY, GTC, IOC, GTD")
	fs.StringVar(&of.gtd, "gtd", "", "Good-till date for GTD orders")
	return &of
}

func (of *orderFlags) instrument() instrument.Instrument {
	return instrument.Instrument{
		Kind:     of.kind,
		Symbol:   of.symbol,
		Exchange: of.exchange,
		Currency: of.currency,
		Expiry:   of.expiry,
	}
}

func (of *orderFlags) intent() (order.Intent, error) {
	in := order.Intent{
		Kind:         order.KindPlace,
		Instrument:   of.instrument(),
		Side:         of.side,
		Type:         of.orderType,
		TIF:          of.tif,
		GoodTillDate: of.gtd,
		Source:       order.SourceManual,
	}
	var err error
	if of.qty == "" {
		return order.Intent{}, fmt.Errorf("-qty is required")
	}
	if in.Quantity, err = decimal.NewFromString(of.qty); err != nil {
		return order.Intent{}, fmt.Errorf("invalid -qty %q: %w", of.qty, err)
	}
	if of.limit != "" {
		if in.LimitPrice, err = decimal.NewFromString(of.limit); err != nil {
			return order.Intent{}, fmt.Errorf("invalid -limit %q: %w", of.limit, err)
		}
	}
	if of.stop != "" {
		if in.StopPrice, err = decimal.NewFromString(of.stop); err != nil {
			return order.Intent{}, fmt.Errorf("invalid -stop %q: %w", of.stop, err)
		}
	}
	return in, nil
}

func runPlace(ctx context.Context, e *env, of *orderFlags) error {
	in, err := of.intent()
	if err != nil {
		return err
	}
	rec, err := e.mgr.Submit(ctx, in)
	if err != nil {
		return err
	}
	fmt.Printf("order %s  state=%s  broker_id=%s\n", rec.LocalID, rec.State, rec.BrokerOrderID)
	return nil
}

func runPlaceBracket(ctx context.Context, e *env, args cmdArgs) error {
	of := args.order
	if of.qty == "" {
		return fmt.Errorf("-qty is required")
	}
	if args.entryLimit == "" || args.takeProfit == "" || args.stopLoss == "" {
		return fmt.Errorf("-entry-limit, -take-profit, and -stop-loss are required")
	}
	qty, err := decimal.NewFromString(of.qty)
	if err != nil {
		return fmt.Errorf("invalid -qty %q: %w", of.qty, err)
	}
	entry, err := decimal.NewFromString(args.entryLimit)
	if err != nil {
		return fmt.Errorf("invalid -entry-limit %q: %w", args.entryLimit, err)
	}
	tp, err := decimal.NewFromString(args.takeProfit)
	if err != nil {
		return fmt.Errorf("invalid -take-profit %q: %w", args.takeProfit, err)
	}
	sl, err := decimal.NewFromString(args.stopLoss)
	if err != nil {
		return fmt.Errorf("invalid -stop-loss %q: %w", args.stopLoss, err)
	}

	recs, err := e.mgr.SubmitBracket(ctx, order.Bracket{
		Instrument:      of.instrument(),
		Side:            of.side,
		Quantity:        qty,
		EntryLimit:      entry,
		TakeProfitLimit: tp,
		StopLossStop:    sl,
		TIF:             of.tif,
		Source:          order.SourceManual,
	})
	if err != nil {
		return err
	}
	fmt.Printf("entry       %s  state=%s  broker_id=%s\n", recs.Entry.LocalID, recs.Entry.State, recs.Entry.BrokerOrderID)
	fmt.Printf("take-profit %s  state=%s  broker_id=%s\n", recs.TakeProfit.LocalID, recs.TakeProfit.State, recs.TakeProfit.BrokerOrderID)
	fmt.Printf("stop-loss   %s  state=%s  broker_id=%s\n", recs.StopLoss.LocalID, recs.StopLoss.State, recs.StopLoss.BrokerOrderID)
	return nil
}

func runModify(ctx context.Context, e *env, ref string, of *orderFlags) error {
	if ref == "" {
		return fmt.Errorf("-order is required")
	}
	in, err := of.intent()
	if err != nil {
		return err
	}
	rec, err := e.mgr.Modify(ctx, ref, in)
	if err != nil {
		return err
	}
	fmt.Printf("order %s  state=%s  broker_id=%s\n", rec.LocalID, rec.State, rec.BrokerOrderID)
	return nil
}

func runCancel(ctx context.Context, e *env, ref string) error {
	if ref == "" {
		return fmt.Errorf("-order is required")
	}
	rec, err := e.mgr.Cancel(ctx, ref, order.SourceManual)
	if err != nil {
		return err
	}
	fmt.Printf("order %s  state=%s\n", rec.LocalID, rec.State)
	return nil
}

func runStatus(ctx context.Context, e *env, ref string) error {
	if ref == "" {
		return fmt.Errorf("-order is required")
	}
	rec, err := e.mgr.Status(ctx, ref)
	if err != nil {
		return err
	}
	fmt.Printf("order %s  state=%s  broker_id=%s  broker_status=%s\n",
		rec.LocalID, rec.State, rec.BrokerOrderID, rec.LastBrokerStatus)
	fmt.Printf("  intent: %s\n", rec.Intent)
	for _, tr := range rec.History {
		fmt.Printf("  %s  %s -> %s  (%s)\n", tr.At.Format(time.RFC3339), tr.From, tr.To, tr.BrokerStatus)
	}
	return nil
}

func runOpenOrders(ctx context.Context, e *env) error {
	open, err := e.broker.OpenOrders(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		fmt.Println("no open orders")
		return nil
	}
	for _, st := range open {
		fmt.Printf("%s  %s  %s %s %s  filled=%s remaining=%s\n",
			st.BrokerOrderID, st.Status, st.Side, st.Quantity, st.Instrument, st.Filled, st.Remaining)
	}
	return nil
}

func runPositions(ctx context.Context, e *env) error {
	positions, err := e.broker.Positions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Println("no positions")
		return nil
	}
	for _, p := range positions {
		fmt.Printf("%s  %s  qty=%s avg_cost=%.4f\n", p.Account, p.Instrument, p.Quantity, p.AvgCost)
	}
	return nil
}

func runAccount(ctx context.Context, e *env) error {
	acct, err := e.broker.AccountSnapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("account %s  as of %s\n", acct.Account, acct.Timestamp.Format(time.RFC3339))
	for tag, v := range acct.Values {
		fmt.Printf("  %s = %s\n", tag, v)
	}
	return nil
}

// runPaperSmoke is a connectivity check against the paper session: it prints
// a market data snapshot and the account values, and with -order-test places
// a limit order far from the market and cancels it again.
func runPaperSmoke(ctx context.Context, e *env, args cmdArgs) error {
	of := args.order
	inst, err := instrument.Validate(of.instrument())
	if err != nil {
		return err
	}
	q, err := e.broker.Snapshot(ctx, inst)
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	fmt.Printf("OK: connected, %s bid=%.4f ask=%.4f last=%.4f\n", q.Instrument, q.Bid, q.Ask, q.Last)

	acct, err := e.broker.AccountSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot failed: %w", err)
	}
	fmt.Printf("account %s: %d value tags\n", acct.Account, len(acct.Values))

	if !args.orderTest {
		return nil
	}

	px := q.Last
	if px <= 0 {
		px = q.Close
	}
	if px <= 0 {
		return fmt.Errorf("cannot run order test without a usable last/close price")
	}
	side := of.side
	if side == "" {
		side = order.SideBuy
	}
	// Far from the market so it rests instead of filling.
	limit := decimal.NewFromFloat(px * 0.5)
	if strings.EqualFold(side, order.SideSell) {
		limit = decimal.NewFromFloat(px * 1.5)
	}
	qty := decimal.NewFromInt(1)
	if of.qty != "" {
		if qty, err = decimal.NewFromString(of.qty); err != nil {
			return fmt.Errorf("invalid -qty %q: %w", of.qty, err)
		}
	}

	rec, err := e.mgr.Submit(ctx, order.Intent{
		Kind:       order.KindPlace,
		Instrument: inst,
		Side:       side,
		Quantity:   qty,
		Type:       order.TypeLimit,
		LimitPrice: limit,
		Source:     order.SourceManual,
	})
	if err != nil {
		return err
	}
	fmt.Printf("placed smoke-test order %s (broker %s); cancelling...\n", rec.LocalID, rec.BrokerOrderID)

	rec, err = e.mgr.Cancel(ctx, rec.LocalID, order.SourceManual)
	if err != nil {
		return err
	}
	rec, err = e.mgr.Status(ctx, rec.LocalID)
	if err != nil {
		return err
	}
	fmt.Printf("after cancel: %s state=%s (%s)\n", rec.LocalID, rec.State, rec.LastBrokerStatus)
	return nil
}

func runSnapshot(ctx context.Context, e *env, of *orderFlags) error {
	inst, err := instrument.Validate(of.instrument())
	if err != nil {
		return err
	}
	q, err := e.broker.Snapshot(ctx, inst)
	if err != nil {
		return err
	}
	fmt.Printf("%s  bid=%.4f ask=%.4f last=%.4f close=%.4f volume=%.0f\n",
		q.Instrument, q.Bid, q.Ask, q.Last, q.Close, q.Volume)
	return nil
}

func runHistory(ctx context.Context, e *env, of *orderFlags, duration, barSize string) error {
	inst, err := instrument.Validate(of.instrument())
	if err != nil {
		return err
	}
	bars, err := e.broker.HistoricalBars(ctx, inst, broker.BarRange{Duration: duration, BarSize: barSize, UseRTH: true})
	if err != nil {
		return err
	}
	for _, b := range bars {
		fmt.Printf("%s  o=%.4f h=%.4f l=%.4f c=%.4f v=%.0f\n",
			b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	return nil
}

func runReconcile(ctx context.Context, e *env) error {
	rep, err := e.mgr.Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("examined=%d adopted=%d bound=%d updated=%d unknown=%d\n",
		rep.Examined, len(rep.Adopted), len(rep.Bound), len(rep.Updated), len(rep.Unknown))
	for _, id := range rep.Adopted {
		fmt.Printf("  adopted %s\n", id)
	}
	for _, id := range rep.Unknown {
		fmt.Printf("  unknown %s\n", id)
	}
	return nil
}

func runTrack(ctx context.Context, e *env, cfg config.Config) error {
	if _, err := e.mgr.Reconcile(ctx); err != nil {
		return err
	}
	for rec := range e.mgr.Track(ctx, cfg.PollInterval, cfg.TrackTimeout) {
		fmt.Printf("%s  %s  (%s)\n", rec.LocalID, rec.State, rec.LastBrokerStatus)
	}
	return nil
}

// runLoop is the strategy tick loop: snapshot, propose, submit, repeat.
// Gate rejections and broker failures are logged and the loop continues.
func runLoop(ctx context.Context, e *env, cfg config.Config, args cmdArgs) error {
	if args.order.symbol == "" {
		return fmt.Errorf("-symbol is required")
	}
	inst, err := instrument.Validate(args.order.instrument())
	if err != nil {
		return err
	}
	qty, err := decimal.NewFromString(args.order.qty)
	if err != nil {
		return fmt.Errorf("invalid -qty: %w", err)
	}
	var buyBelow, sellAbove decimal.Decimal
	if args.buyBelow != "" {
		if buyBelow, err = decimal.NewFromString(args.buyBelow); err != nil {
			return fmt.Errorf("invalid -buy-below: %w", err)
		}
	}
	if args.sellAbove != "" {
		if sellAbove, err = decimal.NewFromString(args.sellAbove); err != nil {
			return fmt.Errorf("invalid -sell-above: %w", err)
		}
	}
	strat := strategy.NewThreshold(inst, buyBelow, sellAbove, qty)

	log.Printf("Running %s strategy on %s every %s", strat.Name(), inst, args.tickInterval)
	ticker := time.NewTicker(args.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		e.mgr.ResetTick()

		quotes := make(map[instrument.Instrument]broker.Quote)
		for _, i := range strat.Instruments() {
			q, err := e.broker.Snapshot(ctx, i)
			if err != nil {
				log.Printf("Snapshot failed for %s: %v", i, err)
				continue
			}
			quotes[i] = q
		}

		intents, err := strat.Intents(ctx, quotes)
		if err != nil {
			log.Printf("Strategy error: %v", err)
			continue
		}
		for _, in := range intents {
			rec, err := e.mgr.Submit(ctx, in)
			if err != nil {
				log.Printf("Intent blocked: %v", err)
				continue
			}
			log.Printf("Submitted %s as %s (%s)", in, rec.LocalID, rec.State)
		}

		if _, err := e.mgr.Reconcile(ctx); err != nil {
			log.Printf("Reconcile failed: %v", err)
		}
	}
}

// runLLMTick executes one decision-source payload: parse, dispatch each
// tool call through the manager, print protocol results.
func runLLMTick(ctx context.Context, e *env, payload string) error {
	if payload == "" {
		data, err := readAllStdin()
		if err != nil {
			return err
		}
		payload = data
	}

	e.mgr.ResetTick()
	reply := llm.ParseReply(payload)
	if reply.AssistantMessage != "" {
		fmt.Printf("assistant: %s\n", reply.AssistantMessage)
	}
	if len(reply.ToolCalls) == 0 {
		if strings.TrimSpace(payload) != "" {
			e.mgr.AuditProtocolError(ctx, "no tool calls parsed from payload")
		}
		return nil
	}

	for _, call := range reply.ToolCalls {
		result, err := llm.Dispatch(ctx, call, e.broker, e.mgr)
		if err != nil {
			fmt.Println(llm.FormatToolResult(call, false, err.Error()))
			continue
		}
		fmt.Println(llm.FormatToolResult(call, true, result))
	}
	return nil
}

func readAllStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read payload from stdin: %w", err)
	}
	return string(data), nil
}
