// Command risk-cli runs the risk engine's keeper loop standalone: load
// or initialize a slab, crank it on a fixed interval against an oracle
// price fed from the environment, and persist the slab on every crank
// and on clean shutdown.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlicked/pkg/engine/params"
	"github.com/uhyunpark/hyperlicked/pkg/engine/risk"
	"github.com/uhyunpark/hyperlicked/pkg/engine/storage"
	"github.com/uhyunpark/hyperlicked/pkg/util"
)

func main() {
	p := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/risk-cli.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	slabPath := os.Getenv("SLAB_PATH")
	if slabPath == "" {
		slabPath = "data/slab"
	}
	store, err := storage.Open(slabPath)
	if err != nil {
		sugar.Fatalw("slab_open_failed", "err", err, "path", slabPath)
	}
	defer store.Close()

	capacity := envInt("SLAB_CAPACITY", 4096)
	engine, err := storage.LoadSlab(store)
	if err != nil {
		sugar.Infow("slab_not_found_initializing", "path", slabPath, "capacity", capacity)
		engine, err = risk.Init(p, capacity)
		if err != nil {
			sugar.Fatalw("engine_init_failed", "err", err)
		}
	} else {
		sugar.Infow("slab_loaded", "path", slabPath, "accounts_used", engine.Table.NumUsed())
	}

	crankIntervalMs := envInt("CRANK_INTERVAL_MS", 1000)
	oraclePrice := uint64(envInt("ORACLE_PRICE", 50_000_000_000))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("risk_cli_starting",
		"crank_interval_ms", crankIntervalMs,
		"oracle_price", oraclePrice,
		"slab_path", slabPath)

	runCrankLoop(ctx, util.RealClock{}, time.Duration(crankIntervalMs)*time.Millisecond, oraclePrice, engine, store, sugar)
}

// runCrankLoop drives the keeper cycle on a fixed cadence until ctx is
// cancelled, saving the slab after every crank and on shutdown. It is
// built on util.Clock rather than a bare *time.Ticker so a test harness
// can substitute a fake clock instead of waiting on the wall clock.
func runCrankLoop(ctx context.Context, clock util.Clock, interval time.Duration, oraclePrice uint64, engine *risk.Engine, store *storage.SlabStore, sugar *zap.SugaredLogger) {
	var nowSlot uint64
	for {
		select {
		case <-ctx.Done():
			sugar.Info("shutting_down_saving_slab")
			if err := store.SaveSlab(engine); err != nil {
				sugar.Errorw("slab_save_failed", "err", err)
			}
			return
		case <-clock.After(interval):
			nowSlot++
			result, err := engine.Crank(oraclePrice, nowSlot)
			if err != nil {
				sugar.Errorw("crank_failed", "err", err, "slot", nowSlot)
				continue
			}
			sugar.Infow("crank_complete",
				"slot", nowSlot,
				"accounts_touched", result.AccountsTouched,
				"liquidations", result.Liquidations,
				"force_realizes", result.ForceRealizes,
				"sweep_completed", result.SweepCompleted)

			if err := store.SaveSlab(engine); err != nil {
				sugar.Errorw("slab_save_failed", "err", err, "slot", nowSlot)
			}
		}
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
