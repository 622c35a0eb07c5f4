package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-sync/core/record"
	inmemdb "github.com/trezcool/masomo-sync/storage/database/inmem"
	testutil "github.com/trezcool/masomo-sync/tests"
)

func setup(t *testing.T) (*commandLine, record.Repository) {
	repo := inmemdb.NewRecordRepository(inmemdb.Open())
	svc, err := record.NewService(repo, nil, testutil.NewLogger(), []string{"task"})
	require.NoError(t, err)

	return &commandLine{recordSvc: svc}, repo
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
}

func (tt cliTest) check(t *testing.T, err error) {
	t.Helper()
	switch {
	case tt.wantErr != nil:
		assert.Equal(t, tt.wantErr, err)
	case tt.wantErrStr != "":
		if assert.Error(t, err) {
			assert.Contains(t, err.Error(), tt.wantErrStr)
		}
	default:
		assert.NoError(t, err)
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _ := setup(t)

	var gotCommand string
	migrateFunc = func(db *sql.DB, command string, args ...string) error {
		gotCommand = command
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form"},
		{name: "down-to: non-int arg", args: []string{"migrate", "down-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "1"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "create", args: []string{"migrate", "create", "tombstone_index", "sql"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			gotCommand = ""
			tt.check(t, cli.run(args))
			if len(tt.args) > 1 {
				assert.Equal(t, tt.args[1], gotCommand)
			}
		})
	}
}

func Test_commandLine_purgeTombstones(t *testing.T) {
	cli, repo := setup(t)
	ctx := context.Background()

	save := func(id string, deleted bool, updatedAt int64) {
		require.NoError(t, repo.SaveRecord(ctx, record.Record{
			Entity:    "task",
			ID:        id,
			Data:      json.RawMessage(`{}`),
			Deleted:   deleted,
			UpdatedAt: updatedAt,
		}))
	}
	save("old", true, 1000)             // 1970-01-01T00:00:01Z
	save("alive", false, 1000)          // not a tombstone
	save("recent", true, 4102444800000) // 2100-01-01T00:00:00Z

	tests := []cliTest{
		{name: "no args", args: []string{"purgetombstones"}, wantErr: errHelp},
		{name: "both flags", args: []string{"purgetombstones", "-before", "2000-01-01T00:00:00Z", "-age", "1h"}, wantErr: errHelp},
		{name: "bad time", args: []string{"purgetombstones", "-before", "yesterday"}, wantErrStr: "invalid -before \"yesterday\""},
		{name: "unknown flag", args: []string{"purgetombstones", "-lol"}, wantErrStr: "flag provided but not defined"},
		{name: "purge before", args: []string{"purgetombstones", "-before", "2000-01-01T00:00:00Z"}},
		{name: "purge by age", args: []string{"purgetombstones", "-age", "24h"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cli.run(args))
		})
	}

	_, err := repo.GetRecord(ctx, "task", "old")
	assert.Equal(t, record.ErrNotFound, err)
	_, err = repo.GetRecord(ctx, "task", "alive")
	assert.NoError(t, err)
	_, err = repo.GetRecord(ctx, "task", "recent")
	assert.NoError(t, err)
}
