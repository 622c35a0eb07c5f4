package main

import (
	"context"
	"log"
	"os"

	"github.com/trezcool/masomo-sync/core"
	"github.com/trezcool/masomo-sync/core/record"
	logsvc "github.com/trezcool/masomo-sync/services/logger"
	"github.com/trezcool/masomo-sync/storage/database"
	sqlxrepos "github.com/trezcool/masomo-sync/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)

	// set up DB
	db, err := database.Open(context.Background(), conf)
	if err != nil {
		logger.Fatal("opening database", err)
	}
	defer db.Close()

	recordSvc, err := record.NewService(sqlxrepos.NewRecordRepository(db), nil, logger, conf.Sync.Entities)
	if err != nil {
		logger.Fatal("setting up record service", err)
	}

	// start CLI
	cli := commandLine{
		db:        db.DB,
		recordSvc: recordSvc,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Error("admin command failed", err)
		}
		db.Close()
		os.Exit(1)
	}
}
