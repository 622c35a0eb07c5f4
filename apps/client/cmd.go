package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/trezcool/masomo-sync/core"
	"github.com/trezcool/masomo-sync/core/offline"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	conf      core.OfflineConfig
	logger    core.Logger
	store     offline.Store
	newRemote func(token string) (offline.Remote, error)
	out       io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  login                                             - save the access token (prompted)")
	fmt.Fprintln(cli.out, "  enqueue -type TYPE -entity ENTITY -op NAME [-data JSON] [-sync] - record an operation")
	fmt.Fprintln(cli.out, "  sync                                              - push the pending operations")
	fmt.Fprintln(cli.out, "  pull [-entities a,b]                              - pull the server changes into the cache")
	fmt.Fprintln(cli.out, "  status                                            - print the sync status")
	fmt.Fprintln(cli.out, "  cleanup [-age DURATION]                           - delete old synced operations")
	fmt.Fprintln(cli.out, "  watch                                             - sync in the background and print status changes")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	enqueueCmd := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	enqueueType := enqueueCmd.String("type", "", "CREATE, UPDATE or DELETE.")
	enqueueEntity := enqueueCmd.String("entity", "", "The entity, e.g. student.")
	enqueueOp := enqueueCmd.String("op", "", "The operation name, e.g. createStudent.")
	enqueueData := enqueueCmd.String("data", "", "The JSON payload.")
	enqueueSync := enqueueCmd.Bool("sync", false, "Push right away.")

	pullCmd := flag.NewFlagSet("pull", flag.ContinueOnError)
	pullEntities := pullCmd.String("entities", "", "Comma separated entities; all of them when empty.")

	cleanupCmd := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	cleanupAge := cleanupCmd.Duration("age", 7*24*time.Hour, "Delete the synced operations older than this.")

	switch args[1] {
	case "login":
		fmt.Fprint(cli.out, "Enter access token:")
		token, err := readPasswordFunc(int(os.Stdin.Fd()))
		fmt.Fprintln(cli.out)
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(token)) == "" {
			return errHelp
		}
		if err = saveToken(ctx, cli.store, strings.TrimSpace(string(token))); err != nil {
			return err
		}
		fmt.Fprintln(cli.out, "Access token saved.")
		return nil

	case "enqueue":
		if err := enqueueCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *enqueueType == "" || *enqueueEntity == "" || *enqueueOp == "" {
			enqueueCmd.Usage()
			return errHelp
		}
		sc, err := cli.syncContext(ctx, *enqueueSync)
		if err != nil {
			return err
		}
		if *enqueueSync {
			sc.Manager.SetOnline(false) // pushed in the foreground below
		}
		typ := offline.OperationType(strings.ToUpper(core.CleanString(*enqueueType)))
		id, err := sc.Manager.RegisterOperation(ctx, typ, *enqueueEntity, *enqueueOp, json.RawMessage(*enqueueData))
		if err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "Operation %s queued.\n", id)
		if *enqueueSync {
			return cli.sync(ctx, sc)
		}
		// when online, RegisterOperation started a push; let it land before exiting
		sc.Manager.Wait()
		return nil

	case "sync":
		sc, err := cli.syncContext(ctx, true)
		if err != nil {
			return err
		}
		return cli.sync(ctx, sc)

	case "pull":
		if err := pullCmd.Parse(args[2:]); err != nil {
			return err
		}
		sc, err := cli.syncContext(ctx, true)
		if err != nil {
			return err
		}
		res, err := sc.Manager.PullAndCache(ctx, splitList(*pullEntities))
		if err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "%d record(s) cached, %d removed (server time %d).\n", res.Cached, res.Removed, res.ServerTimestamp)
		return nil

	case "status":
		sc, err := cli.syncContext(ctx, false)
		if err != nil {
			return err
		}
		st, err := sc.Manager.GetSyncStatus(ctx)
		if err != nil {
			return err
		}
		return cli.printStatus(st)

	case "cleanup":
		if err := cleanupCmd.Parse(args[2:]); err != nil {
			return err
		}
		sc, err := cli.syncContext(ctx, false)
		if err != nil {
			return err
		}
		before := core.NowMillis() - cleanupAge.Milliseconds()
		n, err := sc.Queue.PurgeSynced(ctx, before)
		if err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "%d synced operation(s) deleted.\n", n)
		return nil

	case "watch":
		sc, err := cli.syncContext(ctx, true)
		if err != nil {
			return err
		}
		return cli.watch(ctx, sc)

	default:
		cli.printUsage()
		return errHelp
	}
}

// syncContext builds the offline components. needsRemote requires a saved or configured access token.
func (cli *commandLine) syncContext(ctx context.Context, needsRemote bool) (*offline.SyncContext, error) {
	token, err := loadToken(ctx, cli.store, cli.conf.AccessToken)
	if err != nil && (needsRemote || !errors.Is(err, errNotLoggedIn)) {
		return nil, err
	}

	if token == "" {
		sc, err := offline.NewSyncContext(cli.store, offlineRemote{}, cli.logger, cli.conf)
		if err != nil {
			return nil, err
		}
		sc.Manager.SetOnline(false)
		return sc, nil
	}
	remote, err := cli.newRemote(token)
	if err != nil {
		return nil, err
	}
	return offline.NewSyncContext(cli.store, remote, cli.logger, cli.conf)
}

func (cli *commandLine) sync(ctx context.Context, sc *offline.SyncContext) error {
	sc.Manager.SetOnline(true)
	res, err := sc.Manager.SyncPendingOperations(ctx)
	if err != nil {
		return err
	}
	if res.PushErr != nil {
		return fmt.Errorf("push of %d operation(s) failed: %v", res.Failed, res.PushErr)
	}
	fmt.Fprintf(cli.out, "%d operation(s) sent: %d applied, %d conflict(s).\n", res.Sent, len(res.Applied), len(res.Conflicts))
	for _, c := range res.Conflicts {
		fmt.Fprintf(cli.out, "  conflict %s: %s\n", c.ID, c.Reason)
	}
	return nil
}

func (cli *commandLine) watch(ctx context.Context, sc *offline.SyncContext) error {
	statuses, unsubscribe := sc.Status.Subscribe()
	defer unsubscribe()

	sc.Start(ctx)
	defer func() {
		if err := sc.Close(); err != nil {
			cli.logger.Error(fmt.Sprintf("closing sync context: %v", err), err)
		}
	}()
	if _, err := sc.Observer.Online(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-statuses:
			if err := cli.printStatus(st); err != nil {
				return err
			}
		}
	}
}

func (cli *commandLine) printStatus(st offline.Status) error {
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = core.CleanString(item, true /* lower */); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// offlineRemote serves the commands that only read the local store.
type offlineRemote struct{}

var errNoRemote = errors.New("not connected to a sync server")

func (offlineRemote) Push(context.Context, offline.PushRequest) (offline.PushResponse, error) {
	return offline.PushResponse{}, errNoRemote
}

func (offlineRemote) Pull(context.Context, offline.PullRequest) (offline.PullResponse, error) {
	return offline.PullResponse{}, errNoRemote
}

func (offlineRemote) Ping(context.Context) error { return errNoRemote }
