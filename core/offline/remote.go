package offline

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Remote is the server side of the sync protocol.
	Remote interface {
		Push(ctx context.Context, req PushRequest) (PushResponse, error)
		Pull(ctx context.Context, req PullRequest) (PullResponse, error)
		// Ping reports whether the server is reachable.
		Ping(ctx context.Context) error
	}

	PushOperation struct {
		ID        string          `json:"id"`
		Type      OperationType   `json:"type"`
		Entity    string          `json:"entity"`
		Operation string          `json:"operation"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	}

	PushRequest struct {
		Operations []PushOperation `json:"operations"`
	}

	PushResponse struct {
		Applied         []string          `json:"applied"`
		Conflicts       []json.RawMessage `json:"conflicts"`
		ServerTimestamp int64             `json:"serverTimestamp"`
	}

	PullRequest struct {
		LastSyncTimestamp int64    `json:"lastSyncTimestamp"`
		Entities          []string `json:"entities"`
	}

	PullResponse struct {
		Changes         map[string][]json.RawMessage `json:"changes"`
		ServerTimestamp int64                        `json:"serverTimestamp"`
	}

	// Conflict is what the client understands of a conflict entry returned by a push.
	Conflict struct {
		ID     string          `json:"id"`
		Reason string          `json:"reason,omitempty"`
		Raw    json.RawMessage `json:"-"`
	}

	// StatusError is returned by a Remote when the server answers with a non-2xx status.
	StatusError struct {
		Code int
		Body string
	}
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded with status %d: %s", e.Code, e.Body)
}

func newPushRequest(ops []PendingOperation) PushRequest {
	req := PushRequest{Operations: make([]PushOperation, 0, len(ops))}
	for _, op := range ops {
		req.Operations = append(req.Operations, PushOperation{
			ID:        op.ID,
			Type:      op.Type,
			Entity:    op.Entity,
			Operation: op.Operation,
			Data:      op.Data,
			Timestamp: op.Timestamp,
		})
	}
	return req
}

// parseConflict accepts either a bare operation id or an object carrying an "id" field.
func parseConflict(raw json.RawMessage) Conflict {
	c := Conflict{Raw: raw}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		c.ID = id
		return c
	}
	_ = json.Unmarshal(raw, &c)
	c.Raw = raw
	return c
}
