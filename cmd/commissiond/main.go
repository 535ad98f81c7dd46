// commissiond is the commission orchestration daemon: it runs the schedule
// trigger, the stuck-task monitor, the progress broadcaster and the admin
// HTTP surface against a shared SQLite task store and Redis fabric.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/api"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/broadcast"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/config"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/dispatch"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/executor"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/fabric"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/logger"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/monitor"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/orchestrator"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/schedule"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/store"
)

func main() {
	var (
		addr   = flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
		dbPath = flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	)
	flag.Parse()

	log := logger.Setup()
	cfg := config.FromEnv()
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite", "file:"+cfg.DBPath+"?cache=shared&mode=rwc")
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open task store")
	}
	db.SetMaxOpenConns(1)
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db)

	fab, err := fabric.Connect(ctx, fabric.Config{
		Addr:     cfg.RedisAddr(),
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
		TLS:      cfg.RedisTLS,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr()).Msg("connect lock & broadcast fabric")
	}
	defer fab.Close()

	orch := orchestrator.New(st, fab, log)
	disp := dispatch.New(dispatch.Config{
		Namespace:   cfg.Namespace,
		WorkerImage: cfg.WorkerImage,
	}, orch, &executor.Simulated{StageDelay: time.Second}, log)
	orch.BindSubmitter(disp)

	selector := schedule.NewPoolSelector(
		strings.Split(os.Getenv("SUBREDDIT_POOL"), ","), time.Now().UnixNano())
	validator := schedule.NewBlocklistValidator(
		strings.Split(os.Getenv("SUBREDDIT_BLOCKLIST"), ","))
	trigger := schedule.New(st, fab, orch, selector, validator, cfg.LockTTL, log)

	mon := monitor.New(st, orch, disp, refundLogger{log: log}, cfg.TaskTimeout, log)

	hub := broadcast.NewHub(log)
	go func() {
		if err := hub.Run(ctx, fab); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("progress subscription ended")
		}
	}()

	// Both control loops run on cron cadence; cycle errors are logged and
	// the next tick proceeds regardless.
	loops := cron.New()
	if _, err := loops.AddFunc("@every "+cfg.SchedulerPeriod.String(), func() {
		if err := trigger.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("schedule cycle failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule trigger cadence")
	}
	if _, err := loops.AddFunc("@every "+cfg.MonitorPeriod.String(), func() {
		if err := mon.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("monitor cycle failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("monitor cadence")
	}
	loops.Start()
	defer loops.Stop()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.New(st, st, trigger, mon, hub, log).Router(),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("admin HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	disp.Wait()
	log.Info().Msg("stopped")
}

// refundLogger is the compensation boundary. The actual money movement lives
// with the payment provider; this side records the intent durably in the log
// stream the finance tooling tails.
type refundLogger struct {
	log zerolog.Logger
}

func (r refundLogger) Refund(_ context.Context, donationID int64, reason string) error {
	r.log.Warn().Int64("donation_id", donationID).Str("reason", reason).
		Msg("refund required for failed commission")
	return nil
}
