package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-sync/core"
	"github.com/trezcool/masomo-sync/core/record"
)

// TestRecordRepository runs the behaviour every record.Repository implementation must have.
// newRepo must return an empty repository.
func TestRecordRepository(t *testing.T, newRepo func(t *testing.T) record.Repository) {
	ctx := context.Background()

	rec := func(entity, id string, updatedAt int64, deleted bool) record.Record {
		return record.Record{
			Entity:     entity,
			ID:         id,
			Data:       json.RawMessage(`{"id":"` + id + `"}`),
			Deleted:    deleted,
			ModifiedAt: updatedAt - 1,
			UpdatedAt:  updatedAt,
			UpdatedBy:  "u1",
			LastOpID:   "op-" + id,
		}
	}

	t.Run("save & get", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.GetRecord(ctx, "task", "t1")
		assert.Equal(t, record.ErrNotFound, errors.Cause(err))

		want := rec("task", "t1", 10, false)
		require.NoError(t, repo.SaveRecord(ctx, want))
		got, err := repo.GetRecord(ctx, "task", "t1")
		require.NoError(t, err)
		assert.JSONEq(t, string(want.Data), string(got.Data))
		got.Data = want.Data
		assert.Equal(t, want, got)

		// same id, other entity
		_, err = repo.GetRecord(ctx, "student", "t1")
		assert.Equal(t, record.ErrNotFound, errors.Cause(err))

		want.Deleted = true
		want.UpdatedAt = 11
		require.NoError(t, repo.SaveRecord(ctx, want))
		got, err = repo.GetRecord(ctx, "task", "t1")
		require.NoError(t, err)
		assert.True(t, got.Deleted)
		assert.Equal(t, int64(11), got.UpdatedAt)
	})

	t.Run("applied operations", func(t *testing.T) {
		repo := newRepo(t)

		ok, err := repo.IsApplied(ctx, "op-1")
		require.NoError(t, err)
		assert.False(t, ok)

		op := record.AppliedOperation{ID: "op-1", Entity: "task", RecordID: "t1", AppliedAt: 1, AppliedBy: "u1"}
		require.NoError(t, repo.SaveAppliedOperation(ctx, op))
		require.NoError(t, repo.SaveAppliedOperation(ctx, op))
		ok, err = repo.IsApplied(ctx, "op-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("query changes", func(t *testing.T) {
		repo := newRepo(t)

		for _, r := range []record.Record{
			rec("task", "t2", 30, false),
			rec("task", "t1", 20, true),
			rec("task", "t0", 5, false),
			rec("student", "s1", 25, false),
			rec("payment", "p1", 40, false),
		} {
			require.NoError(t, repo.SaveRecord(ctx, r))
		}

		recs, err := repo.QueryChanges(ctx, 10, []string{"task", "student"})
		require.NoError(t, err)
		ids := make([]string, 0, len(recs))
		for _, r := range recs {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"t1", "s1", "t2"}, ids)
		assert.True(t, recs[0].Deleted)

		recs, err = repo.QueryChanges(ctx, 40, []string{"task", "student", "payment"})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("transactions", func(t *testing.T) {
		repo := newRepo(t)
		boom := errors.New("boom")

		err := repo.WithTx(ctx, func(tx record.Repository) error {
			require.NoError(t, tx.SaveRecord(ctx, rec("task", "t1", 10, false)))
			require.NoError(t, tx.SaveAppliedOperation(ctx, record.AppliedOperation{ID: "op-1", Entity: "task", RecordID: "t1"}))
			return boom
		})
		assert.Equal(t, boom, errors.Cause(err))

		_, err = repo.GetRecord(ctx, "task", "t1")
		assert.Equal(t, record.ErrNotFound, errors.Cause(err))
		ok, err := repo.IsApplied(ctx, "op-1")
		require.NoError(t, err)
		assert.False(t, ok)

		err = repo.WithTx(ctx, func(tx record.Repository) error {
			return tx.SaveRecord(ctx, rec("task", "t1", 10, false))
		})
		require.NoError(t, err)
		_, err = repo.GetRecord(ctx, "task", "t1")
		assert.NoError(t, err)
	})

	t.Run("purge tombstones", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.SaveRecord(ctx, rec("task", "old", 10, true)))
		require.NoError(t, repo.SaveRecord(ctx, rec("task", "new", 30, true)))
		require.NoError(t, repo.SaveRecord(ctx, rec("task", "live", 10, false)))

		n, err := repo.PurgeTombstones(ctx, 20)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = repo.GetRecord(ctx, "task", "old")
		assert.Equal(t, record.ErrNotFound, errors.Cause(err))
		_, err = repo.GetRecord(ctx, "task", "new")
		assert.NoError(t, err)
		_, err = repo.GetRecord(ctx, "task", "live")
		assert.NoError(t, err)
	})

	t.Run("record lock", func(t *testing.T) {
		repo := newRepo(t)
		locked, release := make(chan struct{}), make(chan struct{})

		firstErr := make(chan error, 1)
		go func() {
			firstErr <- repo.WithTx(ctx, func(tx record.Repository) error {
				if err := tx.LockRecord(ctx, "task", "t1"); err != nil {
					return err
				}
				close(locked)
				<-release
				return tx.SaveRecord(ctx, rec("task", "t1", 10, false))
			})
		}()
		select {
		case <-locked:
		case err := <-firstErr:
			t.Fatalf("first transaction: %v", err)
		}

		type result struct {
			rec record.Record
			err error
		}
		second := make(chan result, 1)
		go func() {
			var res result
			err := repo.WithTx(ctx, func(tx record.Repository) error {
				if err := tx.LockRecord(ctx, "task", "t1"); err != nil {
					return err
				}
				res.rec, res.err = tx.GetRecord(ctx, "task", "t1")
				return nil
			})
			if err != nil {
				res.err = err
			}
			second <- res
		}()

		select {
		case <-second:
			t.Fatal("second transaction got the lock while the first one held it")
		case <-time.After(100 * time.Millisecond):
		}

		close(release)
		require.NoError(t, <-firstErr)
		select {
		case res := <-second:
			require.NoError(t, res.err)
			assert.Equal(t, int64(10), res.rec.UpdatedAt)
		case <-time.After(5 * time.Second):
			t.Fatal("second transaction never got the lock")
		}
	})

	t.Run("concurrent pushes", func(t *testing.T) {
		repo := newRepo(t)
		svc, err := record.NewService(repo, nil, NewLogger(), []string{"task"})
		require.NoError(t, err)
		actor := core.Actor{ID: "u1"}

		// pushAll sends each batch from its own goroutine, all at once
		pushAll := func(batches ...[]record.Operation) []record.PushResult {
			var (
				wg    sync.WaitGroup
				start = make(chan struct{})
				res   = make([]record.PushResult, len(batches))
				errs  = make([]error, len(batches))
			)
			for i := range batches {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					res[i], errs[i] = svc.Push(ctx, actor, batches[i])
				}(i)
			}
			close(start)
			wg.Wait()
			for _, err := range errs {
				require.NoError(t, err)
			}
			return res
		}
		op := func(id, typ, data string, ts int64) []record.Operation {
			return []record.Operation{{ID: id, Type: typ, Entity: "task", Operation: "op", Data: json.RawMessage(data), Timestamp: ts}}
		}

		// same record created by several clients
		var creates [][]record.Operation
		for i := 0; i < 8; i++ {
			creates = append(creates, op(fmt.Sprintf("create-%d", i), record.OpCreate, `{"id":"t1","title":"v0"}`, 100))
		}
		var applied int
		for _, r := range pushAll(creates...) {
			applied += len(r.Applied)
			for _, c := range r.Conflicts {
				assert.Equal(t, record.ReasonAlreadyExists, c.Reason)
			}
		}
		assert.Equal(t, 1, applied)

		// the newest update wins whatever the order they are applied in
		pushAll(
			op("update-new", record.OpUpdate, `{"id":"t1","title":"new"}`, 200),
			op("update-old", record.OpUpdate, `{"id":"t1","title":"old"}`, 150),
		)
		got, err := repo.GetRecord(ctx, "task", "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(200), got.ModifiedAt)
		assert.Equal(t, "update-new", got.LastOpID)
		assert.JSONEq(t, `{"id":"t1","title":"new"}`, string(got.Data))

		// the same operation re-sent while the first copy is applied
		del := op("delete-1", record.OpDelete, `{"id":"t1"}`, 300)
		for _, r := range pushAll(del, del) {
			assert.Equal(t, []string{"delete-1"}, r.Applied)
			assert.Empty(t, r.Conflicts)
		}
		got, err = repo.GetRecord(ctx, "task", "t1")
		require.NoError(t, err)
		assert.True(t, got.Deleted)
		assert.Equal(t, "delete-1", got.LastOpID)
	})
}
