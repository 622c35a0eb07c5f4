package inmemdb

import (
	"sync"

	"github.com/trezcool/masomo-sync/core/record"
)

type (
	DB struct {
		record  *recordTable
		applied *appliedTable
		txMu    sync.Mutex // serializes transactions
	}

	recordKey struct {
		entity string
		id     string
	}

	recordTable struct {
		mutex sync.RWMutex
		table map[recordKey]record.Record
	}

	appliedTable struct {
		mutex sync.RWMutex
		table map[string]record.AppliedOperation
	}
)

func Open() *DB {
	return &DB{
		record:  &recordTable{table: make(map[recordKey]record.Record)},
		applied: &appliedTable{table: make(map[string]record.AppliedOperation)},
	}
}

type snapshot struct {
	records map[recordKey]record.Record
	applied map[string]record.AppliedOperation
}

func (db *DB) snapshot() snapshot {
	db.record.mutex.RLock()
	recs := make(map[recordKey]record.Record, len(db.record.table))
	for k, v := range db.record.table {
		recs[k] = v
	}
	db.record.mutex.RUnlock()

	db.applied.mutex.RLock()
	applied := make(map[string]record.AppliedOperation, len(db.applied.table))
	for k, v := range db.applied.table {
		applied[k] = v
	}
	db.applied.mutex.RUnlock()

	return snapshot{records: recs, applied: applied}
}

func (db *DB) restore(s snapshot) {
	db.record.mutex.Lock()
	db.record.table = s.records
	db.record.mutex.Unlock()

	db.applied.mutex.Lock()
	db.applied.table = s.applied
	db.applied.mutex.Unlock()
}
