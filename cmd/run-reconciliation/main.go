package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/config"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/ledgersync"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/matching"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/reconcile"
)

// One-shot trigger: creates a run and executes it in-process. Useful for cron
// jobs and local development where no Pub/Sub broker is wired up.
func main() {
	triggeredBy := flag.String("triggered-by", models.RunTriggeredSchedule, "Recorded trigger source (manual/schedule/retry/system)")
	timeout := flag.Duration("timeout", 30*time.Minute, "Abort the run after this long")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	}

	ledgerClient, err := ledgersync.NewLedgerClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger client: %v\n", err)
		os.Exit(1)
	}
	docClient, err := ledgersync.NewDocumentClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "document client: %v\n", err)
		os.Exit(1)
	}

	mirror := ledgersync.NewMirror(db, ledgerClient, docClient)
	engine := matching.NewEngine(matching.PolicyFromEnv())
	orch := reconcile.NewOrchestrator(db, mirror, engine)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	run, err := orch.StartRun(ctx, strings.TrimSpace(*triggeredBy))
	if err != nil {
		fmt.Fprintf(os.Stderr, "start run: %v\n", err)
		os.Exit(1)
	}

	execErr := orch.Execute(ctx, run.ID)

	var final models.ReconciliationRun
	if err := db.Take(&final, run.ID).Error; err != nil {
		fmt.Fprintf(os.Stderr, "load run %d: %v\n", run.ID, err)
		os.Exit(1)
	}

	fmt.Printf("run %d finished: state=%s documents=%d entries=%d proposals=%d auto_linked=%d errors=%d duration_ms=%d\n",
		final.ID, final.State, final.DocumentsSeen, final.EntriesSeen,
		final.ProposalsCreated, final.AutoLinked, final.ErrorCount, final.DurationMs)

	if execErr != nil || final.State == models.ReconRunStateFailed {
		if final.FailureReason != nil {
			fmt.Fprintf(os.Stderr, "failure: %s\n", *final.FailureReason)
		}
		os.Exit(1)
	}
}
