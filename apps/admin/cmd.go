package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/trezcool/masomo-sync/core/record"
	"github.com/trezcool/masomo-sync/storage/database"
)

var (
	migrateFunc = database.Migrate // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db        *sql.DB
	recordSvc *record.Service
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS]                - run a goose command (up, down, status, ...)")
	fmt.Println("  purgetombstones -before RFC3339 | -age DURATION - delete the tombstones of deleted records")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	purgeCmd := flag.NewFlagSet("purgetombstones", flag.ContinueOnError)
	purgeBefore := purgeCmd.String("before", "", "Delete the tombstones last updated before this time (RFC3339).")
	purgeAge := purgeCmd.Duration("age", 0, "Delete the tombstones older than this duration, e.g. 720h.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return migrateFunc(cli.db, args[2], args[3:]...)
	case "purgetombstones":
		if err := purgeCmd.Parse(args[2:]); err != nil {
			return err
		}
		var before time.Time
		switch {
		case *purgeBefore != "" && *purgeAge != 0:
			purgeCmd.Usage()
			return errHelp
		case *purgeBefore != "":
			t, err := time.Parse(time.RFC3339, *purgeBefore)
			if err != nil {
				return fmt.Errorf("invalid -before %q: %v", *purgeBefore, err)
			}
			before = t
		case *purgeAge > 0:
			before = time.Now().Add(-*purgeAge)
		default:
			purgeCmd.Usage()
			return errHelp
		}
		n, err := cli.recordSvc.PurgeTombstones(context.Background(), before)
		if err != nil {
			return err
		}
		fmt.Printf("%d tombstone(s) purged\n", n)
		return nil
	default:
		cli.printUsage()
		return errHelp
	}
}
