package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-sync/core"
	"github.com/trezcool/masomo-sync/core/record"
)

const recordColumns = "entity, id, data, deleted, modified_at, updated_at, updated_by, last_op_id"

var changesOrdering = []core.DBOrdering{
	{Field: "updated_at", Ascending: true},
	{Field: "id", Ascending: true},
}

// recordRow stores data as text so that pq sends it as JSON rather than bytea.
type recordRow struct {
	Entity     string `db:"entity"`
	ID         string `db:"id"`
	Data       string `db:"data"`
	Deleted    bool   `db:"deleted"`
	ModifiedAt int64  `db:"modified_at"`
	UpdatedAt  int64  `db:"updated_at"`
	UpdatedBy  string `db:"updated_by"`
	LastOpID   string `db:"last_op_id"`
}

func newRecordRow(rec record.Record) recordRow {
	return recordRow{
		Entity:     rec.Entity,
		ID:         rec.ID,
		Data:       string(rec.Data),
		Deleted:    rec.Deleted,
		ModifiedAt: rec.ModifiedAt,
		UpdatedAt:  rec.UpdatedAt,
		UpdatedBy:  rec.UpdatedBy,
		LastOpID:   rec.LastOpID,
	}
}

func (row recordRow) record() record.Record {
	return record.Record{
		Entity:     row.Entity,
		ID:         row.ID,
		Data:       json.RawMessage(row.Data),
		Deleted:    row.Deleted,
		ModifiedAt: row.ModifiedAt,
		UpdatedAt:  row.UpdatedAt,
		UpdatedBy:  row.UpdatedBy,
		LastOpID:   row.LastOpID,
	}
}

type recordRepository struct {
	db   *sqlx.DB
	exec sqlx.ExtContext // db, or the current transaction
}

var _ record.Repository = (*recordRepository)(nil)

func NewRecordRepository(db *sqlx.DB) record.Repository {
	return &recordRepository{db: db, exec: db}
}

func (repo *recordRepository) WithTx(ctx context.Context, fn func(tx record.Repository) error) (err error) {
	if _, inTx := repo.exec.(*sqlx.Tx); inTx {
		return fn(repo)
	}

	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&recordRepository{db: repo.db, exec: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// LockRecord takes a transaction-level advisory lock on entity:id.
// Rows that do not exist yet cannot be locked with FOR UPDATE, hence the advisory lock.
// Outside of WithTx the lock is released as soon as the statement returns.
func (repo *recordRepository) LockRecord(ctx context.Context, entity, id string) error {
	_, err := repo.exec.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", entity+":"+id)
	return errors.Wrap(err, "taking record lock")
}

func (repo *recordRepository) GetRecord(ctx context.Context, entity, id string) (record.Record, error) {
	var row recordRow
	q := "SELECT " + recordColumns + " FROM record WHERE entity = $1 AND id = $2"
	if err := sqlx.GetContext(ctx, repo.exec, &row, q, entity, id); err != nil {
		return record.Record{}, trapNoRowsErr(err)
	}
	return row.record(), nil
}

func (repo *recordRepository) SaveRecord(ctx context.Context, rec record.Record) error {
	q := `INSERT INTO record (` + recordColumns + `)
		VALUES (:entity, :id, :data, :deleted, :modified_at, :updated_at, :updated_by, :last_op_id)
		ON CONFLICT (entity, id) DO UPDATE SET
			data = EXCLUDED.data,
			deleted = EXCLUDED.deleted,
			modified_at = EXCLUDED.modified_at,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by,
			last_op_id = EXCLUDED.last_op_id`
	_, err := sqlx.NamedExecContext(ctx, repo.exec, q, newRecordRow(rec))
	return errors.Wrap(err, "upserting record")
}

func (repo *recordRepository) IsApplied(ctx context.Context, opID string) (bool, error) {
	var applied bool
	err := sqlx.GetContext(ctx, repo.exec, &applied, "SELECT EXISTS (SELECT 1 FROM applied_operation WHERE id = $1)", opID)
	return applied, err
}

func (repo *recordRepository) SaveAppliedOperation(ctx context.Context, op record.AppliedOperation) error {
	q := `INSERT INTO applied_operation (id, entity, record_id, applied_at, applied_by)
		VALUES (:id, :entity, :record_id, :applied_at, :applied_by)
		ON CONFLICT (id) DO NOTHING`
	_, err := sqlx.NamedExecContext(ctx, repo.exec, q, op)
	return errors.Wrap(err, "inserting applied operation")
}

func (repo *recordRepository) QueryChanges(ctx context.Context, since int64, entities []string) ([]record.Record, error) {
	orderBy := make([]string, 0, len(changesOrdering))
	for _, ord := range changesOrdering {
		orderBy = append(orderBy, ord.String())
	}
	q := "SELECT " + recordColumns + " FROM record WHERE updated_at > $1 AND entity = ANY($2) ORDER BY " + strings.Join(orderBy, ", ")

	var rows []recordRow
	if err := sqlx.SelectContext(ctx, repo.exec, &rows, q, since, pq.Array(entities)); err != nil {
		return nil, errors.Wrap(err, "selecting changes")
	}
	recs := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, row.record())
	}
	return recs, nil
}

func (repo *recordRepository) PurgeTombstones(ctx context.Context, before int64) (int, error) {
	res, err := repo.exec.ExecContext(ctx, "DELETE FROM record WHERE deleted AND updated_at < $1", before)
	if err != nil {
		return 0, errors.Wrap(err, "deleting tombstones")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func trapNoRowsErr(err error) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return record.ErrNotFound
	}
	return err
}
