package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-sync/core"
)

var ErrInvalidOperation = errors.New("invalid operation")

// Queue records pending operations in the local store and tracks their lifecycle.
type Queue struct {
	store Store
	now   func() int64
}

func NewQueue(store Store) *Queue {
	return &Queue{store: store, now: core.NowMillis}
}

// newOperationID returns "op-<unix ms>-<random>".
func newOperationID(ts int64) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("op-%d-%s", ts, suffix)
}

// Enqueue persists a new pending operation and returns its id.
func (q *Queue) Enqueue(ctx context.Context, typ OperationType, entity, operation string, data json.RawMessage) (string, error) {
	entity = core.CleanString(entity, true /* lower */)
	operation = core.CleanString(operation)

	var fldErrs []core.FieldError
	if !typ.IsValid() {
		fldErrs = append(fldErrs, core.FieldError{Field: "type", Error: "type must be one of CREATE, UPDATE or DELETE"})
	}
	if entity == "" {
		fldErrs = append(fldErrs, core.FieldError{Field: "entity", Error: "this field is required"})
	}
	if operation == "" {
		fldErrs = append(fldErrs, core.FieldError{Field: "operation", Error: "this field is required"})
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	} else if !json.Valid(data) {
		fldErrs = append(fldErrs, core.FieldError{Field: "data", Error: "data must be valid JSON"})
	}
	if len(fldErrs) > 0 {
		return "", core.NewValidationError(ErrInvalidOperation, fldErrs...)
	}

	ts := q.now()
	op := PendingOperation{
		ID:        newOperationID(ts),
		Type:      typ,
		Entity:    entity,
		Operation: operation,
		Data:      data,
		Timestamp: ts,
		Status:    StatusPending,
	}
	if err := q.put(ctx, op); err != nil {
		return "", errors.Wrap(err, "enqueuing operation")
	}
	return op.ID, nil
}

func (q *Queue) put(ctx context.Context, op PendingOperation) error {
	doc, err := op.document()
	if err != nil {
		return errors.Wrap(err, "encoding operation")
	}
	return q.store.Put(ctx, PendingCollection, doc)
}

// Get returns found=false when no operation has this id.
func (q *Queue) Get(ctx context.Context, id string) (PendingOperation, bool, error) {
	body, found, err := q.store.Get(ctx, PendingCollection, id)
	if err != nil || !found {
		return PendingOperation{}, false, err
	}
	var op PendingOperation
	if err = json.Unmarshal(body, &op); err != nil {
		return PendingOperation{}, false, errors.Wrapf(err, "decoding operation %s", id)
	}
	return op, true, nil
}

func (q *Queue) listByStatus(ctx context.Context, status OperationStatus) ([]PendingOperation, error) {
	bodies, err := q.store.QueryByIndex(ctx, PendingCollection, StatusIndex, string(status))
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s operations", status)
	}
	ops := make([]PendingOperation, 0, len(bodies))
	for _, body := range bodies {
		var op PendingOperation
		if err = json.Unmarshal(body, &op); err != nil {
			return nil, errors.Wrap(err, "decoding operation")
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ListPending returns the operations with status pending, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]PendingOperation, error) {
	ops, err := q.listByStatus(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	sortByTimestamp(ops)
	return ops, nil
}

// ListFailed returns the failed operations, oldest first.
func (q *Queue) ListFailed(ctx context.Context) ([]PendingOperation, error) {
	ops, err := q.listByStatus(ctx, StatusFailed)
	if err != nil {
		return nil, err
	}
	sortByTimestamp(ops)
	return ops, nil
}

// ListRetryable returns the pending operations plus the failed ones retried less than maxRetries times, oldest first.
func (q *Queue) ListRetryable(ctx context.Context, maxRetries int) ([]PendingOperation, error) {
	ops, err := q.listByStatus(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	failed, err := q.listByStatus(ctx, StatusFailed)
	if err != nil {
		return nil, err
	}
	for _, op := range failed {
		if op.Retries < maxRetries {
			ops = append(ops, op)
		}
	}
	sortByTimestamp(ops)
	return ops, nil
}

// Count returns the number of operations with the given status.
func (q *Queue) Count(ctx context.Context, status OperationStatus) (int, error) {
	bodies, err := q.store.QueryByIndex(ctx, PendingCollection, StatusIndex, string(status))
	if err != nil {
		return 0, errors.Wrapf(err, "counting %s operations", status)
	}
	return len(bodies), nil
}

// update applies fn to the stored operation. Unknown ids are ignored.
func (q *Queue) update(ctx context.Context, id string, fn func(op *PendingOperation)) error {
	op, found, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	fn(&op)
	return q.put(ctx, op)
}

func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	err := q.update(ctx, id, func(op *PendingOperation) {
		op.Status = StatusSynced
	})
	return errors.Wrapf(err, "marking %s synced", id)
}

func (q *Queue) MarkFailed(ctx context.Context, id, msg string) error {
	err := q.update(ctx, id, func(op *PendingOperation) {
		op.Status = StatusFailed
		op.Retries++
		op.LastError = msg
	})
	return errors.Wrapf(err, "marking %s failed", id)
}

// MarkConflict records that the server rejected the operation. reason is kept in LastError.
func (q *Queue) MarkConflict(ctx context.Context, id, reason string) error {
	err := q.update(ctx, id, func(op *PendingOperation) {
		op.Status = StatusConflict
		op.LastError = reason
	})
	return errors.Wrapf(err, "marking %s conflict", id)
}

// PurgeSynced deletes the synced operations created before the cutoff (ms) and returns how many were deleted.
func (q *Queue) PurgeSynced(ctx context.Context, before int64) (int, error) {
	ops, err := q.listByStatus(ctx, StatusSynced)
	if err != nil {
		return 0, err
	}
	var n int
	for _, op := range ops {
		if op.Timestamp >= before {
			continue
		}
		if err = q.store.Delete(ctx, PendingCollection, op.ID); err != nil {
			return n, errors.Wrapf(err, "deleting operation %s", op.ID)
		}
		n++
	}
	return n, nil
}

// Cache

func cacheKey(entity, id string) string {
	return entity + ":" + id
}

func (q *Queue) PutCachedRecord(ctx context.Context, rec CachedRecord) error {
	doc, err := rec.document()
	if err != nil {
		return errors.Wrap(err, "encoding cached record")
	}
	return errors.Wrap(q.store.Put(ctx, CacheCollection, doc), "caching record")
}

func (q *Queue) DeleteCachedRecord(ctx context.Context, key string) error {
	return errors.Wrap(q.store.Delete(ctx, CacheCollection, key), "deleting cached record")
}

// CachedRecords returns every cached record of the entity.
func (q *Queue) CachedRecords(ctx context.Context, entity string) ([]CachedRecord, error) {
	bodies, err := q.store.QueryByIndex(ctx, CacheCollection, EntityIndex, entity)
	if err != nil {
		return nil, errors.Wrapf(err, "querying cached %s records", entity)
	}
	recs := make([]CachedRecord, 0, len(bodies))
	for _, body := range bodies {
		var rec CachedRecord
		if err = json.Unmarshal(body, &rec); err != nil {
			return nil, errors.Wrap(err, "decoding cached record")
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Metadata

// LastSync returns the watermark of the last successful round-trip, 0 if there was none.
func (q *Queue) LastSync(ctx context.Context) (int64, error) {
	body, found, err := q.store.Get(ctx, MetadataCollection, lastSyncKey)
	if err != nil {
		return 0, errors.Wrap(err, "reading sync metadata")
	}
	if !found {
		return 0, nil
	}
	var md SyncMetadata
	if err = json.Unmarshal(body, &md); err != nil {
		return 0, errors.Wrap(err, "decoding sync metadata")
	}
	return md.LastSyncTimestamp, nil
}

func (q *Queue) SetLastSync(ctx context.Context, ts int64) error {
	doc, err := SyncMetadata{Key: lastSyncKey, LastSyncTimestamp: ts}.document()
	if err != nil {
		return errors.Wrap(err, "encoding sync metadata")
	}
	return errors.Wrap(q.store.Put(ctx, MetadataCollection, doc), "writing sync metadata")
}
