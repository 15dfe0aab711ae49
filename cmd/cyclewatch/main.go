package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cyclewatch/internal/config"
	"cyclewatch/internal/curator"
	"cyclewatch/internal/detector"
	"cyclewatch/internal/graph"
	"cyclewatch/internal/ingestion"
	"cyclewatch/internal/metrics"
	"cyclewatch/internal/persistence"
	"cyclewatch/pkg/chain"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		// .env file is optional
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Logging)
	log.Info().Msg("Starting cyclewatch - real-time cycle arbitrage detection")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Application error")
	}

	log.Info().Msg("cyclewatch shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
	}

	store, err := persistence.NewStore(cfg.Snapshot.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("path", cfg.Snapshot.SQLitePath).Msg("SQLite initialized")

	// HTTP client for calls and traces, websocket client for head subscriptions.
	rpcClient, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	defer rpcClient.Close()

	wsClient, err := chain.Dial(ctx, cfg.Chain.WSURL)
	if err != nil {
		return err
	}
	defer wsClient.Close()

	chainID, err := rpcClient.ChainID(ctx)
	if err != nil {
		return err
	}
	if chainID.Int64() != cfg.Chain.ChainID {
		log.Warn().
			Int64("configured", cfg.Chain.ChainID).
			Str("node", chainID.String()).
			Msg("Chain ID mismatch, using the node's")
	}
	log.Info().Str("chain_id", chainID.String()).Msg("RPC client connected")

	// Load pools
	bootstrap := curator.NewBootstrap(
		curator.Config{
			PoolAddresses:  cfg.Snapshot.Addresses(),
			RefreshOnStart: cfg.Snapshot.RefreshOnStart,
			BatchSize:      cfg.Snapshot.MulticallBatch,
			RouterFee:      cfg.Snapshot.RouterFeeBps,
		},
		rpcClient,
		store,
		m,
	)

	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 10*time.Minute)
	pools, snapshotBlock, err := bootstrap.Load(bootstrapCtx)
	bootstrapCancel()
	if err != nil {
		return err
	}
	if cfg.Pipeline.StartBlock != 0 {
		snapshotBlock = cfg.Pipeline.StartBlock
	}

	state, err := graph.Build(pools, cfg.Detector.BaseTokenAddress(), cfg.Detector.MaxHops)
	if err != nil {
		return err
	}
	m.RecordGraphStats(state.NumPools(), state.NumTokens(), state.NumCycles())
	log.Info().
		Int("pools", state.NumPools()).
		Int("tokens", state.NumTokens()).
		Int("cycles", state.NumCycles()).
		Int("max_hops", state.MaxHops()).
		Uint64("snapshot_block", snapshotBlock).
		Msg("Graph initialized")

	if !state.ValidateAndLog() {
		log.Warn().Msg("Graph validation failed - continuing but some cycles may be missed")
	}

	searchCfg, err := searchConfig(cfg.Detector)
	if err != nil {
		return err
	}

	oracle, err := ingestion.NewBlockOracle(ctx, wsClient, m)
	if err != nil {
		return err
	}

	queue := ingestion.NewQueue(cfg.Pipeline.CandidateBuffer)
	blockSync := ingestion.NewBlockSync(wsClient, state, snapshotBlock, m)

	recon, err := ingestion.NewRecon(
		ingestion.ReconConfig{
			WSURL:         cfg.Chain.WSURL,
			ChainID:       chainID,
			SeenCacheSize: cfg.Pipeline.SeenTxCache,
		},
		rpcClient,
		state,
		oracle,
		queue,
		m,
	)
	if err != nil {
		return err
	}

	detectorSvc := detector.NewDetector(detector.Config{Search: searchCfg}, state, queue, m)

	log.Info().Msg("Running initial detection...")
	if opportunities := detectorSvc.DetectAll(); len(opportunities) > 0 {
		log.Info().
			Int("count", len(opportunities)).
			Str("best_profit_wei", detector.SignedBig(opportunities[0].Profit).String()).
			Msg("Initial detection found opportunities")
	} else {
		log.Info().Msg("No arbitrage opportunities found in initial scan")
	}

	defer func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := bootstrap.Checkpoint(saveCtx, state.Pools(), blockSync.LastBlock()); err != nil {
			log.Error().Err(err).Msg("Failed to save checkpoint on exit")
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return blockSync.Run(gCtx)
	})

	g.Go(func() error {
		return oracle.Run(gCtx)
	})

	// Mempool candidates are only meaningful against reserves at the tip.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-blockSync.Synced():
		}
		log.Info().Uint64("block", blockSync.LastBlock()).Msg("Reserves synced, starting mempool reader")
		return recon.Run(gCtx)
	})

	g.Go(func() error {
		return detectorSvc.Run(gCtx)
	})

	g.Go(func() error {
		return logOpportunities(gCtx, detectorSvc.Opportunities())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func searchConfig(cfg config.DetectorConfig) (detector.SearchConfig, error) {
	var (
		sc  = detector.SearchConfig{TopK: cfg.TopK}
		err error
	)
	if sc.MinProfit, err = config.ParseWei(cfg.MinProfitWei); err != nil {
		return sc, err
	}
	if sc.Lower, err = config.ParseWei(cfg.SearchMinWei); err != nil {
		return sc, err
	}
	if sc.Upper, err = config.ParseWei(cfg.SearchMaxWei); err != nil {
		return sc, err
	}
	if sc.Tolerance, err = config.ParseWei(cfg.SearchToleranceWei); err != nil {
		return sc, err
	}
	return sc, nil
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func logOpportunities(ctx context.Context, ch <-chan *detector.Opportunity) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-ch:
			if !ok {
				return nil
			}

			pools := make([]string, len(opp.Pools))
			for i, p := range opp.Pools {
				pools[i] = p.Hex()
			}
			amounts := make([]string, len(opp.Amounts))
			for i, a := range opp.Amounts {
				amounts[i] = a.Dec()
			}

			log.Info().
				Str("tx", opp.TxHash.Hex()).
				Strs("pools", pools).
				Strs("amounts", amounts).
				Str("optimal_in", opp.OptimalIn.Dec()).
				Str("profit", detector.SignedBig(opp.Profit).String()).
				Dur("detection_latency", opp.DetectionLatency).
				Msg("ARBITRAGE OPPORTUNITY DETECTED")
		}
	}
}
