// Command matchcore-node is the server binary: it wires the ledger,
// order books, operlog, history, bus, and snapshot store together, restores
// from the latest slice, and serves the HTTP/WS surface.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/vexchange/matchcore/params"
	"github.com/vexchange/matchcore/pkg/api"
	"github.com/vexchange/matchcore/pkg/bus"
	"github.com/vexchange/matchcore/pkg/decimal"
	"github.com/vexchange/matchcore/pkg/engine"
	"github.com/vexchange/matchcore/pkg/history"
	"github.com/vexchange/matchcore/pkg/idempotency"
	"github.com/vexchange/matchcore/pkg/ledger"
	"github.com/vexchange/matchcore/pkg/market"
	"github.com/vexchange/matchcore/pkg/operlog"
	"github.com/vexchange/matchcore/pkg/snapshot"
	"github.com/vexchange/matchcore/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	util.RegisterAll()

	registry, err := market.LoadRegistry(cfg.Node.CatalogueFile)
	if err != nil {
		sugar.Fatalw("catalogue_load_failed", "err", err)
	}
	sugar.Infow("catalogue_loaded", "assets", len(registry.Assets()), "markets", len(registry.Markets()))

	led := ledger.New(registry)

	operlogDB, err := sql.Open("postgres", cfg.Storage.OperlogDSN)
	if err != nil {
		sugar.Fatalw("operlog_db_open_failed", "err", err)
	}
	defer operlogDB.Close()

	if err := os.MkdirAll(cfg.Storage.SnapshotDir, 0o755); err != nil {
		sugar.Fatalw("snapshot_dir_failed", "err", err)
	}
	slices, err := snapshot.Open(cfg.Storage.SnapshotDir)
	if err != nil {
		sugar.Fatalw("snapshot_open_failed", "err", err)
	}
	defer slices.Close()

	orderIDs := decimal.NewCounter(0)
	dealIDs := decimal.NewCounter(0)
	operlogIDs := decimal.NewCounter(0)

	idemp := idempotency.New(time.Now)
	ol := operlog.NewWriter(operlogDB, operlogIDs, sugar, cfg.Admission.MaxPendingOperlog)
	he := history.NewEmitter(cfg.Storage.HistoryDSN, cfg.Storage.HistoryHashNum, cfg.Storage.HistoryWorkers,
		cfg.Admission.MaxPendingHistory, sugar)
	hub := bus.NewHub(sugar)
	busEmit := bus.NewEmitter(hub, cfg.Admission.MaxPendingMessage)

	engineCfg := engine.Config{
		SourceMaxLen:      cfg.Node.SourceMaxLen,
		DepthCacheTimeout: cfg.Timers.DepthCacheTimeout,
		SliceInterval:     cfg.Timers.SliceInterval,
		SliceKeepTime:     cfg.Timers.SliceKeepTime,
	}
	eng := engine.New(engineCfg, registry, led, orderIDs, dealIDs, idemp, ol, he, busEmit, hub, slices,
		time.Now, sugar)

	if err := eng.Restore(func(lastOps uint64, apply func(method string, params []byte, id uint64) error) error {
		entries, err := operlog.ReadSince(operlogDB, lastOps)
		if err != nil {
			return err
		}
		for _, e := range entries {
			raw, err := json.Marshal(e.Params)
			if err != nil {
				return err
			}
			if err := apply(e.Method, raw, e.ID); err != nil {
				return err
			}
			operlogIDs.Skip(e.ID)
		}
		return nil
	}); err != nil {
		sugar.Fatalw("engine_restore_failed", "err", err)
	}
	sugar.Infow("engine_restored")

	if err := eng.Start(); err != nil {
		sugar.Fatalw("engine_start_failed", "err", err)
	}

	apiServer := api.NewServer(eng, hub, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_started", "api_addr", cfg.Node.APIAddr)
	<-ctx.Done()

	sugar.Info("node_shutting_down")
	eng.Stop()
}
