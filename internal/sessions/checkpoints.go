package sessions

import (
	"context"
	"encoding/json"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/ids"
	"github.com/venturecrane/crane-relay/internal/store"
	"github.com/venturecrane/crane-relay/pkg/models"
)

// MaxCheckpointPayload caps a checkpoint's canonical payload.
const MaxCheckpointPayload = 64 << 10

// CheckpointRequest appends a progress marker to an active session.
type CheckpointRequest struct {
	SessionID string          `json:"session_id"`
	Label     string          `json:"label"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AddCheckpoint records a checkpoint on an active session.
func (m *Manager) AddCheckpoint(ctx context.Context, req CheckpointRequest) (*models.Checkpoint, error) {
	details := map[string]string{}
	if req.SessionID == "" {
		details["session_id"] = "required"
	}
	checkText(details, "label", req.Label, 200)
	if len(details) > 0 {
		return nil, errs.Validation("invalid checkpoint", details)
	}

	var payload json.RawMessage
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		canonical, err := ids.Canonicalize(req.Payload)
		if err != nil {
			return nil, errs.Field("payload", "must be valid JSON")
		}
		if len(canonical) > MaxCheckpointPayload {
			return nil, errs.TooLarge("checkpoint payload exceeds 64 KiB")
		}
		payload = canonical
	}

	var cp *models.Checkpoint
	err := m.store.WithTx(ctx, func(c *store.Conn) error {
		s, err := c.GetSession(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if !s.Active() {
			return endedError(s)
		}
		cp = &models.Checkpoint{
			ID:        ids.New(ids.PrefixCheckpoint),
			SessionID: s.ID,
			Label:     req.Label,
			Payload:   payload,
			CreatedAt: m.clock(),
		}
		return c.InsertCheckpoint(ctx, cp)
	})
	if err != nil {
		return nil, store.Classify(err)
	}
	return cp, nil
}

// Checkpoints lists a session's checkpoints, oldest first.
func (m *Manager) Checkpoints(ctx context.Context, sessionID string) ([]models.Checkpoint, error) {
	if _, err := m.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	list, err := m.store.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, store.Classify(err)
	}
	if list == nil {
		list = []models.Checkpoint{}
	}
	return list, nil
}
