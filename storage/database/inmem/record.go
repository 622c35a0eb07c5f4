package inmemdb

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/trezcool/masomo-sync/core/record"
)

type recordRepository struct {
	db *DB
}

var _ record.Repository = (*recordRepository)(nil)

func NewRecordRepository(db *DB) record.Repository {
	return &recordRepository{db: db}
}

// WithTx rolls the whole DB back to its state before fn when fn fails.
// Writes made outside of a transaction while fn runs are rolled back too.
func (repo *recordRepository) WithTx(ctx context.Context, fn func(tx record.Repository) error) error {
	repo.db.txMu.Lock()
	defer repo.db.txMu.Unlock()

	snap := repo.db.snapshot()
	if err := fn(repo); err != nil {
		repo.db.restore(snap)
		return err
	}
	return nil
}

// LockRecord is a no-op: WithTx already runs one transaction at a time.
func (repo *recordRepository) LockRecord(ctx context.Context, entity, id string) error {
	return nil
}

func (repo *recordRepository) GetRecord(ctx context.Context, entity, id string) (record.Record, error) {
	repo.db.record.mutex.RLock()
	defer repo.db.record.mutex.RUnlock()

	if rec, ok := repo.db.record.table[recordKey{entity: entity, id: id}]; ok {
		return copyRecord(rec), nil
	}
	return record.Record{}, record.ErrNotFound
}

func (repo *recordRepository) SaveRecord(ctx context.Context, rec record.Record) error {
	repo.db.record.mutex.Lock()
	defer repo.db.record.mutex.Unlock()

	repo.db.record.table[recordKey{entity: rec.Entity, id: rec.ID}] = copyRecord(rec)
	return nil
}

func (repo *recordRepository) IsApplied(ctx context.Context, opID string) (bool, error) {
	repo.db.applied.mutex.RLock()
	defer repo.db.applied.mutex.RUnlock()

	_, ok := repo.db.applied.table[opID]
	return ok, nil
}

func (repo *recordRepository) SaveAppliedOperation(ctx context.Context, op record.AppliedOperation) error {
	repo.db.applied.mutex.Lock()
	defer repo.db.applied.mutex.Unlock()

	repo.db.applied.table[op.ID] = op
	return nil
}

func (repo *recordRepository) QueryChanges(ctx context.Context, since int64, entities []string) ([]record.Record, error) {
	repo.db.record.mutex.RLock()
	defer repo.db.record.mutex.RUnlock()

	wanted := make(map[string]bool, len(entities))
	for _, e := range entities {
		wanted[e] = true
	}

	recs := make([]record.Record, 0)
	for _, rec := range repo.db.record.table {
		if wanted[rec.Entity] && rec.UpdatedAt > since {
			recs = append(recs, copyRecord(rec))
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].UpdatedAt != recs[j].UpdatedAt {
			return recs[i].UpdatedAt < recs[j].UpdatedAt
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

func (repo *recordRepository) PurgeTombstones(ctx context.Context, before int64) (int, error) {
	repo.db.record.mutex.Lock()
	defer repo.db.record.mutex.Unlock()

	var n int
	for k, rec := range repo.db.record.table {
		if rec.Deleted && rec.UpdatedAt < before {
			delete(repo.db.record.table, k)
			n++
		}
	}
	return n, nil
}

func copyRecord(rec record.Record) record.Record {
	rec.Data = append(json.RawMessage(nil), rec.Data...)
	return rec
}
