package record

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-sync/core"
)

var (
	// errors
	ErrNotFound = errors.New("record not found")
)

type (
	Repository interface {
		// WithTx runs fn against a repository bound to a single transaction.
		// The transaction is committed when fn returns nil and rolled back otherwise.
		WithTx(ctx context.Context, fn func(tx Repository) error) error
		// LockRecord blocks until the current transaction holds the lock of entity:id.
		// The lock is released when the transaction ends.
		LockRecord(ctx context.Context, entity, id string) error
		GetRecord(ctx context.Context, entity, id string) (Record, error)
		SaveRecord(ctx context.Context, rec Record) error
		IsApplied(ctx context.Context, opID string) (bool, error)
		SaveAppliedOperation(ctx context.Context, op AppliedOperation) error
		// QueryChanges returns the records of entities updated after since, oldest first.
		QueryChanges(ctx context.Context, since int64, entities []string) ([]Record, error)
		// PurgeTombstones deletes the deleted records last updated before `before`.
		PurgeTombstones(ctx context.Context, before int64) (int, error)
	}

	// Notifier is told about the conflicts of a push.
	Notifier interface {
		NotifyConflicts(actor core.Actor, conflicts []Conflict)
	}

	Service struct {
		repo     Repository
		notifier Notifier
		logger   core.Logger
		entities []string
		clock    *clock
	}
)

func NewService(repo Repository, notifier Notifier, logger core.Logger, entities []string) (*Service, error) {
	if err := vala.BeginValidation().Validate(
		vala.IsNotNil(repo, "repo"),
		vala.IsNotNil(logger, "logger"),
	).Check(); err != nil {
		return nil, err
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		entities: entities,
		clock:    &clock{now: core.NowMillis},
	}, nil
}

// Push applies ops in order, each one in its own transaction.
// Operations already applied are reported as applied again without being re-applied.
func (svc *Service) Push(ctx context.Context, actor core.Actor, ops []Operation) (PushResult, error) {
	res := PushResult{
		Applied:   make([]string, 0, len(ops)),
		Conflicts: make([]Conflict, 0),
	}

	for _, op := range ops {
		var conflict *Conflict
		err := svc.repo.WithTx(ctx, func(tx Repository) error {
			var err error
			conflict, err = svc.apply(ctx, tx, actor, op)
			return err
		})
		if err != nil {
			return PushResult{}, errors.Wrapf(err, "applying operation %s", op.ID)
		}
		if conflict != nil {
			res.Conflicts = append(res.Conflicts, *conflict)
		} else {
			res.Applied = append(res.Applied, op.ID)
		}
	}
	res.ServerTimestamp = svc.clock.Now()

	if len(res.Conflicts) > 0 {
		svc.logger.Warn(fmt.Sprintf("%d of %d operations conflicted", len(res.Conflicts), len(ops)), actor)
		if svc.notifier != nil {
			svc.notifier.NotifyConflicts(actor, res.Conflicts)
		}
	}
	return res, nil
}

func (svc *Service) apply(ctx context.Context, tx Repository, actor core.Actor, op Operation) (*Conflict, error) {
	recID := op.recordID()
	if recID == "" {
		if op.Type != OpCreate {
			return newConflict(op, "", ReasonMissingID, nil), nil
		}
		recID = op.ID
	}

	// concurrent pushes on the same record are applied one after the other
	if err := tx.LockRecord(ctx, op.Entity, recID); err != nil {
		return nil, errors.Wrap(err, "locking record")
	}

	applied, err := tx.IsApplied(ctx, op.ID)
	if err != nil {
		return nil, errors.Wrap(err, "checking applied operation")
	}
	if applied {
		return nil, nil
	}

	rec, err := tx.GetRecord(ctx, op.Entity, recID)
	exists := err == nil
	if err != nil && errors.Cause(err) != ErrNotFound {
		return nil, errors.Wrap(err, "getting record")
	}

	switch op.Type {
	case OpCreate:
		if exists && !rec.Deleted {
			return newConflict(op, recID, ReasonAlreadyExists, &rec), nil
		}
		if exists && op.Timestamp < rec.ModifiedAt {
			return newConflict(op, recID, ReasonStale, &rec), nil
		}
		rec = Record{Entity: op.Entity, ID: recID, Data: objectOrEmpty(op.Data)}

	case OpUpdate:
		if !exists || rec.Deleted {
			return newConflict(op, recID, ReasonNotFound, nil), nil
		}
		if op.Timestamp < rec.ModifiedAt {
			return newConflict(op, recID, ReasonStale, &rec), nil
		}
		rec.Data = mergeData(rec.Data, op.Data)

	case OpDelete:
		if !exists || rec.Deleted {
			return nil, svc.markApplied(ctx, tx, actor, op, recID)
		}
		if op.Timestamp < rec.ModifiedAt {
			return newConflict(op, recID, ReasonStale, &rec), nil
		}
		rec.Deleted = true

	default:
		return nil, errors.Errorf("unknown operation type %q", op.Type)
	}

	rec.ModifiedAt = op.Timestamp
	rec.UpdatedAt = svc.clock.Now()
	rec.UpdatedBy = actor.ID
	rec.LastOpID = op.ID
	if err := tx.SaveRecord(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "saving record")
	}
	return nil, svc.markApplied(ctx, tx, actor, op, recID)
}

func (svc *Service) markApplied(ctx context.Context, tx Repository, actor core.Actor, op Operation, recID string) error {
	err := tx.SaveAppliedOperation(ctx, AppliedOperation{
		ID:        op.ID,
		Entity:    op.Entity,
		RecordID:  recID,
		AppliedAt: svc.clock.Now(),
		AppliedBy: actor.ID,
	})
	return errors.Wrap(err, "saving applied operation")
}

// Pull returns the records of entities updated after since, tombstones included.
// No entities means every synced entity.
func (svc *Service) Pull(ctx context.Context, since int64, entities []string) (PullResult, error) {
	if len(entities) == 0 {
		entities = svc.entities
	}
	// the watermark is taken before querying so that concurrent writes are seen by the next pull
	ts := svc.clock.Now()

	recs, err := svc.repo.QueryChanges(ctx, since, entities)
	if err != nil {
		return PullResult{}, errors.Wrap(err, "querying changes")
	}

	res := PullResult{Changes: make(map[string][]Change, len(entities)), ServerTimestamp: ts}
	for _, e := range entities {
		res.Changes[e] = make([]Change, 0)
	}
	for _, rec := range recs {
		if rec.UpdatedAt > ts {
			continue
		}
		res.Changes[rec.Entity] = append(res.Changes[rec.Entity], rec.change())
	}
	return res, nil
}

// PurgeTombstones deletes the tombstones last updated before `before`.
// Clients that have not pulled since then will keep the deleted records in their cache.
func (svc *Service) PurgeTombstones(ctx context.Context, before time.Time) (int, error) {
	n, err := svc.repo.PurgeTombstones(ctx, before.UnixNano()/int64(time.Millisecond))
	if err != nil {
		return 0, errors.Wrap(err, "purging tombstones")
	}
	return n, nil
}

func newConflict(op Operation, recID, reason string, rec *Record) *Conflict {
	c := &Conflict{
		ID:        op.ID,
		Entity:    op.Entity,
		RecordID:  recID,
		Operation: op.Type,
		Reason:    reason,
	}
	if rec != nil {
		c.ServerTimestamp = rec.ModifiedAt
		c.ServerData = rec.Data
	}
	return c
}

func objectOrEmpty(data json.RawMessage) json.RawMessage {
	if len(data) == 0 || string(data) == "null" {
		return json.RawMessage(`{}`)
	}
	return data
}

// mergeData overlays the top-level fields of patch on data.
// A patch that is not an object replaces data.
func mergeData(data, patch json.RawMessage) json.RawMessage {
	var (
		orig    map[string]json.RawMessage
		changes map[string]json.RawMessage
	)
	if err := json.Unmarshal(patch, &changes); err != nil || changes == nil {
		return objectOrEmpty(patch)
	}
	if err := json.Unmarshal(data, &orig); err != nil || orig == nil {
		orig = make(map[string]json.RawMessage, len(changes))
	}
	for k, v := range changes {
		orig[k] = v
	}
	merged, err := json.Marshal(orig)
	if err != nil {
		return patch
	}
	return merged
}

// clock hands out strictly increasing millisecond timestamps,
// so a write never shares its timestamp with a pull watermark.
type clock struct {
	mu   sync.Mutex
	last int64
	now  func() int64
}

func (c *clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
