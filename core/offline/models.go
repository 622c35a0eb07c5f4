package offline

import (
	"encoding/json"
	"sort"
)

type (
	OperationType   string
	OperationStatus string
)

const (
	OpCreate OperationType = "CREATE"
	OpUpdate OperationType = "UPDATE"
	OpDelete OperationType = "DELETE"

	StatusPending  OperationStatus = "pending"
	StatusSynced   OperationStatus = "synced"
	StatusFailed   OperationStatus = "failed"
	StatusConflict OperationStatus = "conflict" // rejected by the server, never retried
)

func (t OperationType) IsValid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

type (
	// PendingOperation is a mutation recorded locally until the server accepts it.
	PendingOperation struct {
		ID        string          `json:"id"`
		Type      OperationType   `json:"type"`
		Entity    string          `json:"entity"`
		Operation string          `json:"operation"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"` // ms since epoch
		Status    OperationStatus `json:"status"`
		Retries   int             `json:"retries,omitempty"`
		LastError string          `json:"lastError,omitempty"`
	}

	// CachedRecord is a local snapshot of one server-owned object.
	CachedRecord struct {
		Key       string          `json:"key"`
		Entity    string          `json:"entity"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	}

	SyncMetadata struct {
		Key               string `json:"key"`
		LastSyncTimestamp int64  `json:"lastSyncTimestamp"`
	}
)

const lastSyncKey = "lastSync"

func (op PendingOperation) document() (Document, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Key:     op.ID,
		Indexes: map[string]string{StatusIndex: string(op.Status)},
		Body:    body,
	}, nil
}

func (rec CachedRecord) document() (Document, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Key:     rec.Key,
		Indexes: map[string]string{EntityIndex: rec.Entity},
		Body:    body,
	}, nil
}

func (md SyncMetadata) document() (Document, error) {
	body, err := json.Marshal(md)
	if err != nil {
		return Document{}, err
	}
	return Document{Key: md.Key, Body: body}, nil
}

// sortByTimestamp orders operations by creation time, keeping the store order for ties.
func sortByTimestamp(ops []PendingOperation) {
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Timestamp < ops[j].Timestamp })
}
