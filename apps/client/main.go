package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/trezcool/masomo-sync/core"
	"github.com/trezcool/masomo-sync/core/offline"
	logsvc "github.com/trezcool/masomo-sync/services/logger"
	"github.com/trezcool/masomo-sync/services/syncclient"
	sqlitestore "github.com/trezcool/masomo-sync/storage/local/sqlite"
)

func main() {
	flags := flag.NewFlagSet("client", flag.ExitOnError)
	configFile := flags.String("config", "", "Optional YAML or TOML config file.")
	_ = flags.Parse(os.Args[1:])

	conf := core.NewConfig(*configFile)

	var out io.Writer = os.Stdout
	if conf.Offline.LogFile != "" {
		logFile := &lumberjack.Logger{
			Filename:   conf.Offline.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		defer logFile.Close()
		out = logFile
	}
	logger := logsvc.NewRollbarLogger(log.New(out, "CLIENT : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)
	logger.Enable(!conf.Debug && conf.RollbarToken != "")

	store := sqlitestore.New(conf.Offline.DBPath)
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := commandLine{
		conf:   conf.Offline,
		logger: logger,
		store:  store,
		newRemote: func(token string) (offline.Remote, error) {
			client, err := syncclient.New(conf.Offline.ServerURL, token, nil)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		out: os.Stdout,
	}
	args := append([]string{os.Args[0]}, flags.Args()...)
	if err := cli.run(ctx, args); err != nil {
		if err != errHelp {
			logger.Error(err.Error(), err)
		}
		stop()
		store.Close()
		os.Exit(1)
	}
}
