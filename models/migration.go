package models

import (
	"log"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&DocumentCandidate{}, &LedgerEntry{},
		&MatchProposal{}, &LinkageRecord{},
		&InterpretationRun{},
		&ReconciliationRun{}, &ReconciliationRunError{},
		&AdvisoryJob{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
