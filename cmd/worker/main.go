package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/opsgym/assessd/internal/broker"
	"github.com/opsgym/assessd/internal/checks"
	"github.com/opsgym/assessd/internal/db"
	"github.com/opsgym/assessd/internal/executor"
	"github.com/opsgym/assessd/internal/loader"
	"github.com/opsgym/assessd/internal/objectstore"
	"github.com/opsgym/assessd/internal/orchestrator"
	"github.com/opsgym/assessd/internal/registry"
	"github.com/opsgym/assessd/internal/worker"
)

func main() {
	ctx := context.Background()

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

	if err := worker.Run(os.Getenv("REDIS_ADDR"), orch); err != nil {
		slog.Error("worker", "error", err)
		os.Exit(1)
	}
}
