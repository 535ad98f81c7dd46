// worker executes one commission inside a cluster job. The dispatcher
// starts it with the triggering donation id and the task context; it claims
// the task, streams progress through the orchestrator, and exits non-zero
// on failure so the job controller can count the attempt.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/config"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/executor"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/fabric"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/logger"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/orchestrator"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/store"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/tasks"
)

func main() {
	var (
		triggerID = flag.Int64("trigger-id", 0, "donation id that triggered this commission")
		taskData  = flag.String("task-data", "{}", "task context as JSON")
	)
	flag.Parse()

	log := logger.Setup().With().Str("component", "worker").Logger()
	if *triggerID <= 0 {
		log.Fatal().Msg("--trigger-id is required")
	}
	if !json.Valid([]byte(*taskData)) {
		log.Fatal().Str("task_data", *taskData).Msg("--task-data is not valid JSON")
	}

	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite", "file:"+cfg.DBPath+"?cache=shared&mode=rwc")
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open task store")
	}
	db.SetMaxOpenConns(1)
	defer db.Close()
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

	task, err := st.GetTaskByDonation(ctx, *triggerID)
	if err != nil {
		log.Fatal().Err(err).Int64("donation_id", *triggerID).Msg("no runnable task for trigger")
	}
	log = log.With().Str("task_id", task.ID).Logger()

	if err := orch.UpdateStatus(ctx, task.ID, tasks.StatusInProgress, tasks.StatusUpdate{
		Stage:   "dispatched",
		Message: "worker claimed the commission",
	}); err != nil {
		log.Fatal().Err(err).Msg("claim task")
	}

	exec := &executor.Simulated{StageDelay: 2 * time.Second}
	report := func(progress int, stage, message string) {
		if err := orch.UpdateStatus(ctx, task.ID, tasks.StatusInProgress, tasks.StatusUpdate{
			Progress: progress,
			Stage:    stage,
			Message:  message,
		}); err != nil {
			log.Warn().Err(err).Str("stage", stage).Msg("progress update failed")
		}
	}

	if err := exec.Execute(ctx, task, report); err != nil {
		if updErr := orch.UpdateStatus(ctx, task.ID, tasks.StatusFailed, tasks.StatusUpdate{
			Error: err.Error(),
		}); updErr != nil {
			log.Error().Err(updErr).Msg("record failure")
		}
		log.Error().Err(err).Msg("commission failed")
		os.Exit(1)
	}

	if err := orch.UpdateStatus(ctx, task.ID, tasks.StatusCompleted, tasks.StatusUpdate{
		Progress: 100,
		Stage:    "done",
		Message:  "commission complete",
	}); err != nil {
		log.Fatal().Err(err).Msg("record completion")
	}
	log.Info().Msg("commission complete")
}
