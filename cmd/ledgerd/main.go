/*
main.go - Daemon entry point

PURPOSE:
  Initializes and runs the token ledger daemon: the SQLite store, the
  transaction engine, the subscription allocator, and the background jobs
  (expiration sweep, monthly allocation, grace expiry).

STARTUP SEQUENCE:
  1. Load configuration from the environment
  2. Initialize SQLite store
  3. Wire engine, allocator, service, sweeper
  4. Start the cron job runner
  5. Block until SIGINT/SIGTERM, then stop jobs and close the store

ENVIRONMENT:
  LEDGER_DB_PATH              SQLite database path (default: tokenledger.db)
  LEDGER_LOG_LEVEL            logrus level (default: info)
  LEDGER_SWEEP_SCHEDULE       cron expression (default: 0 3 * * *)
  LEDGER_ALLOCATION_SCHEDULE  cron expression (default: @hourly)
  LEDGER_GRACE_PERIOD         duration before past_due cancellation (336h)

COMMAND-LINE FLAGS:
  -db      overrides LEDGER_DB_PATH. Use ":memory:" for throwaway runs.

EXAMPLES:
  LEDGER_DB_PATH=./data/ledger.db ./ledgerd
  LEDGER_LOG_LEVEL=debug LEDGER_SWEEP_SCHEDULE="@every 1h" ./ledgerd
  ./ledgerd -db=":memory:"

SEE ALSO:
  - ledger/engine.go: transaction semantics
  - jobs/runner.go: schedules
  - store/sqlite/sqlite.go: persistence
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/chatforge/tokenledger/config"
	"github.com/chatforge/tokenledger/jobs"
	"github.com/chatforge/tokenledger/ledger"
	"github.com/chatforge/tokenledger/store/sqlite"
	"github.com/chatforge/tokenledger/subscription"
)

func main() {
	dbPath := flag.String("db", "", "SQLite database path (overrides LEDGER_DB_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	clock := ledger.SystemClock{}

	engine := ledger.NewEngine(store, clock)
	engine.Log = log

	sweeper := ledger.NewSweeper(store, clock)
	sweeper.Log = log

	allocator := subscription.NewAllocator(store, engine, clock)
	allocator.Log = log

	svc := subscription.NewService(store, clock)
	svc.GracePeriod = cfg.GracePeriod
	svc.Log = log

	runner := jobs.NewRunner(clock, sweeper, allocator, svc, store)
	runner.Log = log
	if err := runner.Start(cfg.SweepSchedule, cfg.AllocationSchedule); err != nil {
		log.Fatalf("Failed to start job runner: %v", err)
	}

	log.WithField("db", cfg.DBPath).Info("ledgerd started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	runner.Stop()
	log.Info("Stopped")
}
