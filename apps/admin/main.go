package main

import (
	"context"
	"log"
	"os"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/services/gradebook"
	logsvc "github.com/trezcool/coursework/services/logger"
	"github.com/trezcool/coursework/storage/database"
	sqlxrepos "github.com/trezcool/coursework/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)
	logger.Enable(!conf.Debug)

	// set up DB
	if err := database.CreateIfNotExist(context.Background(), conf); err != nil {
		logger.Fatal(err.Error(), err)
	}
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(err.Error(), err)
	}

	// start CLI
	cli := commandLine{
		db:        db.DB,
		usrRepo:   sqlxrepos.NewUserRepository(db),
		outbox:    sqlxrepos.NewOutbox(db),
		gradebook: gradebook.NewLogPublisher(logger),
		logger:    logger,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			logger.Error("admin command failed", err)
		}
		os.Exit(1)
	}
}
