package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/larder-erp/larder/cmd/larder/cli"
	"github.com/larder-erp/larder/internal/app"
	"github.com/larder-erp/larder/internal/inventory"
	"github.com/larder-erp/larder/internal/ledger"
	"github.com/larder-erp/larder/internal/platform/db"
	"github.com/larder-erp/larder/jobs"
)

const usage = `usage: larder <command> [flags]

commands:
  serve                                   run the HTTP API (default)
  migrate                                 apply database migrations
  recalc --account N [--from YYYY-MM-DD]  enqueue a ledger recalculation
  recalc --all [--from YYYY-MM-DD]        enqueue a recalculation of every account
  aging  --account N [--as-of YYYY-MM-DD] [--json]  print account aging
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		var changed bool
		changed, err = db.Migrate(cfg.PGDSN)
		if err == nil {
			logger.Info("migrations applied", slog.Bool("changed", changed))
		}
	case "recalc":
		os.Exit(recalc(ctx, cfg, args))
	case "aging":
		os.Exit(aging(ctx, cfg, args))
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	rt, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		LedgerHandler:    ledger.NewHandler(logger, rt.Ledger, rt.Audit),
		InventoryHandler: inventory.NewHandler(logger, rt.Inventory, rt.Audit),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          rt.Metrics,
		Checks:           rt.Checks(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func recalc(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("recalc", flag.ContinueOnError)
	account := fs.Int64("account", 0, "account id")
	all := fs.Bool("all", false, "recalculate every account")
	from := fs.String("from", "", "earliest changed date (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer jobsCLI.Close()
	return jobsCLI.RecalcCommand(ctx, cli.RecalcOptions{AccountID: *account, All: *all, From: *from})
}

func aging(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("aging", flag.ContinueOnError)
	account := fs.Int64("account", 0, "account id")
	asOf := fs.String("as-of", "", "reference date (YYYY-MM-DD), defaults to today")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		fmt.Fprintf(os.Stderr, "aging: %v\n", err)
		return 1
	}
	defer pool.Close()
	svc := ledger.NewService(ledger.NewRepository(pool), ledger.ServiceConfig{})
	return cli.NewAgingCLI(svc).AgingCommand(ctx, cli.AgingOptions{AccountID: *account, AsOf: *asOf, JSONOutput: *jsonOut})
}
