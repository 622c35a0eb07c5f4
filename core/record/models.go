package record

import (
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-sync/core"
)

// Operation types, as sent by the offline clients.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Conflict reasons
const (
	ReasonMissingID     = "missing record id"
	ReasonAlreadyExists = "record already exists"
	ReasonNotFound      = "record not found"
	ReasonStale         = "stale operation"
)

type (
	// Record is the server copy of a synced entity instance.
	// Deleted records are kept as tombstones so that pulls can propagate deletions.
	Record struct {
		Entity     string          `db:"entity" json:"entity"`
		ID         string          `db:"id" json:"id"`
		Data       json.RawMessage `db:"data" json:"data"`
		Deleted    bool            `db:"deleted" json:"deleted"`
		ModifiedAt int64           `db:"modified_at" json:"modifiedAt"` // client timestamp of the last applied operation
		UpdatedAt  int64           `db:"updated_at" json:"updatedAt"`   // server time of the last write
		UpdatedBy  string          `db:"updated_by" json:"-"`
		LastOpID   string          `db:"last_op_id" json:"-"`
	}

	// AppliedOperation remembers an operation id so a re-sent operation is not applied twice.
	AppliedOperation struct {
		ID        string `db:"id"`
		Entity    string `db:"entity"`
		RecordID  string `db:"record_id"`
		AppliedAt int64  `db:"applied_at"`
		AppliedBy string `db:"applied_by"`
	}

	Operation struct {
		ID        string          `json:"id" validate:"required,notblank"`
		Type      string          `json:"type" validate:"required,crudtype"`
		Entity    string          `json:"entity" validate:"required,syncentity"`
		Operation string          `json:"operation" validate:"required,notblank"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp" validate:"gt=0"`
	}

	PushRequest struct {
		Operations []Operation `json:"operations" validate:"required,batchsize,dive"`
	}

	PullRequest struct {
		LastSyncTimestamp int64    `json:"lastSyncTimestamp" validate:"gte=0"`
		Entities          []string `json:"entities" validate:"dive,syncentity"`
	}

	// Conflict describes an operation the server refused to apply.
	Conflict struct {
		ID              string          `json:"id"`
		Entity          string          `json:"entity"`
		RecordID        string          `json:"recordId,omitempty"`
		Operation       string          `json:"operation"`
		Reason          string          `json:"reason"`
		ServerTimestamp int64           `json:"serverTimestamp,omitempty"`
		ServerData      json.RawMessage `json:"serverData,omitempty"`
	}

	PushResult struct {
		Applied         []string   `json:"applied"`
		Conflicts       []Conflict `json:"conflicts"`
		ServerTimestamp int64      `json:"serverTimestamp"`
	}

	Change struct {
		ID         string          `json:"id"`
		Entity     string          `json:"entity"`
		Data       json.RawMessage `json:"data"`
		Deleted    bool            `json:"deleted"`
		ModifiedAt int64           `json:"modifiedAt"`
		UpdatedAt  int64           `json:"updatedAt"`
	}

	PullResult struct {
		Changes         map[string][]Change `json:"changes"`
		ServerTimestamp int64               `json:"serverTimestamp"`
	}
)

func (r Record) change() Change {
	return Change{
		ID:         r.ID,
		Entity:     r.Entity,
		Data:       r.Data,
		Deleted:    r.Deleted,
		ModifiedAt: r.ModifiedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// recordID returns data.id when it is a non-empty string.
func (op Operation) recordID() string {
	var payload struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(op.Data, &payload); err != nil {
		return ""
	}
	if id, ok := payload.ID.(string); ok {
		return id
	}
	return ""
}

func (pr *PushRequest) Validate(validate *validator.Validate) error {
	for i := range pr.Operations {
		op := &pr.Operations[i]
		op.ID = core.CleanString(op.ID)
		op.Type = strings.ToUpper(core.CleanString(op.Type))
		op.Entity = core.CleanString(op.Entity, true /* lower */)
		op.Operation = core.CleanString(op.Operation)
	}
	return validate.Struct(pr)
}

func (pr *PullRequest) Validate(validate *validator.Validate) error {
	for i, e := range pr.Entities {
		pr.Entities[i] = core.CleanString(e, true /* lower */)
	}
	return validate.Struct(pr)
}
