package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/stakeforge/blockchain/app/services/node/handlers"
	"github.com/stakeforge/blockchain/foundation/blockchain/blockstore"
	"github.com/stakeforge/blockchain/foundation/blockchain/genesis"
	"github.com/stakeforge/blockchain/foundation/blockchain/state"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
	"github.com/stakeforge/blockchain/foundation/blockchain/worker"
	"github.com/stakeforge/blockchain/foundation/events"
	"github.com/stakeforge/blockchain/foundation/logger"
	"github.com/stakeforge/blockchain/foundation/marketdata"
	"github.com/stakeforge/blockchain/foundation/metrics"
)

// build is the git version of this program. It is set using build flags in
// the makefile.
var build = "develop"

func main() {
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
		}
		State struct {
			GenesisPath string `conf:"default:zblock/genesis.json"`
			DBPath      string `conf:"default:zblock/blocks"`
			Parallelism int    `conf:"default:0"`
		}
		Witness struct {
			ID      uint64 `conf:"default:0"`
			KeyPath string
		}
		MarketData struct {
			ListenAddr string
			Assets     []string `conf:"default:CORE;USD;BTC"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
		},
	}

	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Chain State Support

	// Route chain events into the structured log and the websocket stream.
	evts := events.New()
	defer evts.Shutdown()

	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Send(s)
	}

	gen, err := genesis.Load(cfg.State.GenesisPath)
	if err != nil {
		return fmt.Errorf("loading genesis: %w", err)
	}

	blocks, err := blockstore.NewDisk(cfg.State.DBPath)
	if err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}

	mtr := metrics.New()

	st, err := state.New(state.Config{
		Genesis:     gen,
		BlockStore:  blocks,
		Parallelism: cfg.State.Parallelism,
		Metrics:     mtr,
		EvHandler:   ev,
	})
	if err != nil {
		return fmt.Errorf("constructing chain state: %w", err)
	}
	defer st.Shutdown()

	// =========================================================================
	// Market Data Support

	if cfg.MarketData.ListenAddr != "" {
		pub, err := marketdata.New(marketdata.Config{
			ListenAddr: cfg.MarketData.ListenAddr,
			Assets:     cfg.MarketData.Assets,
			State:      st,
			EvHandler:  ev,
		})
		if err != nil {
			return fmt.Errorf("starting market data publisher: %w", err)
		}
		defer pub.Shutdown()
	}

	// =========================================================================
	// Block Production Support

	if cfg.Witness.KeyPath != "" {
		signingKey, err := crypto.LoadECDSA(cfg.Witness.KeyPath)
		if err != nil {
			return fmt.Errorf("loading witness key: %w", err)
		}

		w := worker.Run(st, types.WitnessID(cfg.Witness.ID), signingKey, ev)
		defer w.Shutdown()
	}

	// =========================================================================
	// Service Start/Stop Support

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 2)

	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Log:   log,
		State: st,
		Evts:  evts,
	})

	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
	}

	go func() {
		log.Infow("startup", "status", "public api started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	debug := http.Server{
		Addr:    cfg.Web.DebugHost,
		Handler: handlers.DebugMux(mtr),
	}

	go func() {
		log.Infow("startup", "status", "debug api started", "host", debug.Addr)
		serverErrors <- debug.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		debug.Shutdown(ctx)
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public server gracefully: %w", err)
		}
	}

	return nil
}
