package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"

	"github.com/opsgym/assessd/internal/broker"
	"github.com/opsgym/assessd/internal/checks"
	"github.com/opsgym/assessd/internal/db"
	"github.com/opsgym/assessd/internal/executor"
	"github.com/opsgym/assessd/internal/httpapi"
	"github.com/opsgym/assessd/internal/loader"
	"github.com/opsgym/assessd/internal/migrations"
	"github.com/opsgym/assessd/internal/objectstore"
	"github.com/opsgym/assessd/internal/orchestrator"
	"github.com/opsgym/assessd/internal/registry"
)

func main() {
	ctx := context.Background()

	// Run embedded migrations (idempotent).
	migrations.Run()

	dbase := db.MustOpen()
	reg := registry.New(dbase)

	store, err := objectstore.New(ctx)
	if err != nil {
		slog.Error("object store", "error", err)
		os.Exit(1)
	}
	brk, err := broker.New(ctx, broker.ConfigFromEnv())
	if err != nil {
		slog.Error("credential broker", "error", err)
		os.Exit(1)
	}

	checkReg := checks.NewRegistry()
	checks.RegisterBuiltins(checkReg)

	exec := executor.New(checkReg, executor.Config{Region: os.Getenv("ASSESS_REGION")})
	orch := orchestrator.New(reg, reg, loader.New(store, 0), exec, brk, orchestrator.ConfigFromEnv())

	asq := asynq.NewClient(asynq.RedisClientOpt{Addr: os.Getenv("REDIS_ADDR")})
	srv := httpapi.NewServer(dbase, reg, orch, asq)
	slog.Info("assessment api listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("http server", "error", err)
		os.Exit(1)
	}
}
