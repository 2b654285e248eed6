package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/copytrade"
	"copytrade-core/internal/engine"
	"copytrade-core/internal/events"
	"copytrade-core/internal/orchestrator"
	"copytrade-core/internal/position"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/binance"
	"copytrade-core/pkg/exchanges/common"
	"copytrade-core/pkg/exchanges/kraken"
	"copytrade-core/pkg/market"
	"copytrade-core/pkg/nonce"
)

// priceSource is the feed surface engines consume.
type priceSource interface {
	Price(symbol string) (float64, bool)
}

// venuePrices translates generic symbols to one venue's form before hitting
// the shared feed cache. Misses fall through to the engine's REST fallback.
type venuePrices struct {
	feed    priceSource
	adapter *broker.Adapter
}

func (v venuePrices) Price(symbol string) (float64, bool) {
	venueSymbol, err := v.adapter.VenueSymbol(symbol)
	if err != nil {
		return 0, false
	}
	return v.feed.Price(venueSymbol)
}

// pipeline is everything built for one account.
type pipeline struct {
	spec   config.AccountSpec
	eng    *engine.Engine
	acct   *account.Manager
	riskM  *risk.Manager
	adp    *broker.Adapter
	isMstr bool
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	roster, err := config.LoadRoster(cfg.RosterPath)
	if err != nil {
		log.Fatalf("roster: %v", err)
	}

	for _, dir := range []string{cfg.DataDir, cfg.ControlDir,
		filepath.Join(cfg.DataDir, "positions"),
		filepath.Join(cfg.DataDir, "nonces"),
		filepath.Join(cfg.DataDir, "intents")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	store, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer store.Close()

	nonces, err := nonce.NewSequencer(filepath.Join(cfg.DataDir, "nonces"))
	if err != nil {
		log.Fatalf("nonce sequencer: %v", err)
	}
	bus := events.NewBus()
	controls := orchestrator.NewFileControls(cfg.ControlDir, 2*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feed := startFeed(ctx, cfg)

	engCfg := engine.DefaultConfig()
	engCfg.CycleInterval = cfg.CycleInterval
	engCfg.MaxOpenPositions = cfg.MaxOpenPositions
	engCfg.StopLossPct = cfg.StopLossPct
	engCfg.TrailingOffset = cfg.TrailingOffset
	engCfg.MaxHoldDuration = time.Duration(cfg.MaxHoldHours * float64(time.Hour))
	engCfg.CatastrophicPct = cfg.CatastrophicPct

	var pipelines []pipeline
	for _, spec := range roster.Accounts {
		p, err := buildPipeline(spec, cfg, engCfg, nonces, bus, controls, feed, store)
		if err != nil {
			log.Fatalf("account %s: %v", spec.ID, err)
		}
		pipelines = append(pipelines, p)
	}

	orch := orchestrator.New(cfg.CycleInterval)
	var followers []copytrade.Follower
	var master *pipeline
	for i := range pipelines {
		p := &pipelines[i]
		orch.Add(p.eng)
		if p.isMstr {
			master = p
			continue
		}
		followers = append(followers, copytrade.Follower{
			Account: p.acct,
			Risk:    p.riskM,
			Engine:  p.eng,
			Adapter: p.adp,
		})
	}

	if master != nil && len(followers) > 0 {
		ce := copytrade.New(followers, bus, store)
		go ce.Run(ctx)
		log.Printf("copy engine: master=%s followers=%d", master.spec.ID, len(followers))
	}
	if master != nil {
		watcher := orchestrator.NewIntentWatcher(
			filepath.Join(cfg.DataDir, "intents"), master.eng, 2*time.Second)
		go watcher.Run(ctx)
	}

	orch.Start(ctx)
	log.Printf("copytrade-core: %d accounts running", len(pipelines))

	<-ctx.Done()
	log.Printf("shutting down")
	orch.Wait()
}

func buildPipeline(
	spec config.AccountSpec,
	cfg *config.Config,
	engCfg engine.Config,
	nonces *nonce.Sequencer,
	bus *events.Bus,
	controls *orchestrator.FileControls,
	feed priceSource,
	store *db.Database,
) (pipeline, error) {
	gw, credentialID, err := buildGateway(spec, cfg, nonces)
	if err != nil {
		return pipeline{}, err
	}
	adapter, err := broker.NewAdapter(spec.Venue)
	if err != nil {
		return pipeline{}, err
	}
	conn := broker.NewConnection(gw, broker.ConnectionConfig{
		CredentialID:   credentialID,
		MinCallSpacing: time.Duration(cfg.MinCallSpacingMs) * time.Millisecond,
		ConnectDelay:   time.Duration(cfg.ConnectDelaySec) * time.Second,
		MaxAttempts:    cfg.MaxAttempts,
	}, nonces)

	quote := spec.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	minNotional := spec.MinTradeNotional
	if minNotional <= 0 {
		minNotional = adapter.MinNotional()
	}

	tracker, err := position.NewTracker(
		filepath.Join(cfg.DataDir, "positions", spec.ID+".json"),
		spec.ID, quote, position.DefaultDustUSD)
	if err != nil {
		return pipeline{}, err
	}
	riskMgr, err := risk.NewManager(spec.ID, risk.DefaultConfig(), store)
	if err != nil {
		return pipeline{}, err
	}
	acct := account.NewManager(account.Context{
		AccountID:        spec.ID,
		Broker:           spec.Venue,
		CredentialID:     credentialID,
		IsMaster:         spec.IsMaster(),
		CopyEnabled:      spec.CopyEnabled,
		QuoteAsset:       quote,
		MinTradeNotional: minNotional,
	}, conn)

	eng, err := engine.New(engine.Params{
		AccountID: spec.ID,
		IsMaster:  spec.IsMaster(),
		Account:   acct,
		Conn:      conn,
		Adapter:   adapter,
		Tracker:   tracker,
		Risk:      riskMgr,
		Prices:    venuePrices{feed: feed, adapter: adapter},
		Controls:  controls,
		Bus:       bus,
		Store:     store,
		Config:    engCfg,
	})
	if err != nil {
		return pipeline{}, err
	}
	return pipeline{
		spec:   spec,
		eng:    eng,
		acct:   acct,
		riskM:  riskMgr,
		adp:    adapter,
		isMstr: spec.IsMaster(),
	}, nil
}

func buildGateway(spec config.AccountSpec, cfg *config.Config, nonces *nonce.Sequencer) (common.Gateway, string, error) {
	credentialID := spec.Venue + ":" + spec.ID
	key, secret := spec.APIKey(), spec.APISecret()
	if key == "" || secret == "" {
		return nil, "", fmt.Errorf("missing credentials (%s/%s)", spec.APIKeyEnv, spec.APISecretEnv)
	}

	switch spec.Venue {
	case "binance":
		return binance.New(binance.Config{
			APIKey:    key,
			APISecret: secret,
			Testnet:   cfg.BinanceTestnet,
		}), credentialID, nil
	case "kraken":
		return kraken.New(kraken.Config{
			APIKey:       key,
			APISecret:    secret,
			CredentialID: credentialID,
			Nonces:       nonces,
		}), credentialID, nil
	default:
		return nil, "", fmt.Errorf("unsupported venue %q", spec.Venue)
	}
}

// startFeed launches the shared price feed. The live feed subscribes with
// binance venue symbols; kraken engines miss the cache and use their REST
// fallback.
func startFeed(ctx context.Context, cfg *config.Config) priceSource {
	venueSymbols := make([]string, 0, len(cfg.FeedSymbols))
	for _, s := range cfg.FeedSymbols {
		venueSymbols = append(venueSymbols, strings.ReplaceAll(strings.ToUpper(s), "-", ""))
	}

	if cfg.UseMockFeed {
		start := make(map[string]float64, len(venueSymbols))
		for _, s := range venueSymbols {
			start[s] = 100
		}
		mock := market.NewMockFeed(start, time.Second)
		go mock.Run(ctx)
		log.Printf("market: mock feed for %v", venueSymbols)
		return mock
	}

	feed := market.NewFeed(venueSymbols, cfg.BinanceTestnet)
	go feed.Run(ctx)
	log.Printf("market: live feed for %v", venueSymbols)
	return feed
}
