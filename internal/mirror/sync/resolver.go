package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/db"
	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// Resolve applies a user's decision for one conflicted entity.
//
// KeepServer discards the local edit and re-pulls, overwriting the row with
// the authority's current copy. The server_data recorded with the conflict is
// only a snapshot from detection time and is never applied. KeepClient forces
// the local copy onto the authority through /sync/resolve.
//
// Either way the row ends up synced and only this entity leaves the
// pending-conflict set.
func (e *Engine) Resolve(ctx context.Context, kind schema.EntityType, clientID string, resolution schema.Resolution) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", schema.ErrInvalidEntity, kind)
	}
	if !resolution.Valid() {
		return fmt.Errorf("%w: unknown resolution %q", schema.ErrInvalidEntity, resolution)
	}

	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	local, err := e.localPayload(ctx, kind, clientID)
	if err != nil {
		return err
	}

	switch resolution {
	case schema.KeepServer:
		err = e.keepServer(ctx, kind, clientID)
	case schema.KeepClient:
		err = e.keepClient(ctx, kind, clientID, local)
	}
	if err != nil {
		return err
	}

	if err := e.store.ClearConflict(ctx, kind, clientID); err != nil {
		return err
	}
	e.removeConflict(kind, clientID)

	e.logger.Printf("Resolved %s %s with %s", kind, clientID, resolution)
	return nil
}

func (e *Engine) keepServer(ctx context.Context, kind schema.EntityType, clientID string) error {
	deviceID, err := e.store.DeviceID(ctx)
	if err != nil {
		return err
	}
	// A full pull: the entity may predate the watermark.
	resp, err := e.remote.Pull(ctx, schema.PullRequest{DeviceID: deviceID})
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	switch kind {
	case schema.EntityTab:
		for _, tab := range resp.Tabs {
			if tab.ClientID == clientID {
				_, err := e.store.ApplyServerTab(ctx, tab, db.Overwrite)
				return err
			}
		}
	case schema.EntityTask:
		for _, task := range resp.Tasks {
			if task.ClientID == clientID {
				_, err := e.store.ApplyServerTask(ctx, task, db.Overwrite)
				return err
			}
		}
	}
	return fmt.Errorf("%w: authority has no %s %s", schema.ErrNotFound, kind, clientID)
}

func (e *Engine) keepClient(ctx context.Context, kind schema.EntityType, clientID string, local localCopy) error {
	resp, err := e.remote.Resolve(ctx, schema.ResolveRequest{
		ClientID:   clientID,
		EntityType: kind,
		Resolution: schema.KeepClient,
		ClientData: local.data,
	})
	if err != nil {
		return fmt.Errorf("resolve failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("authority declined to keep the local %s %s", kind, clientID)
	}

	serverTS := local.updatedAt
	if resp.ServerUpdatedAt != nil {
		serverTS = *resp.ServerUpdatedAt
	}
	return e.store.MarkSynced(ctx, kind, clientID, serverTS)
}

type localCopy struct {
	data      json.RawMessage
	updatedAt time.Time
}

// localPayload reads the local row, tombstones included, and fails with
// schema.ErrNotFound when there is none.
func (e *Engine) localPayload(ctx context.Context, kind schema.EntityType, clientID string) (localCopy, error) {
	switch kind {
	case schema.EntityTab:
		tab, err := e.store.GetTab(ctx, clientID)
		if err != nil {
			return localCopy{}, err
		}
		data, err := tab.Payload()
		return localCopy{data, tab.UpdatedAt}, err
	default:
		task, err := e.store.GetTask(ctx, clientID)
		if err != nil {
			return localCopy{}, err
		}
		data, err := task.Payload()
		return localCopy{data, task.UpdatedAt}, err
	}
}
