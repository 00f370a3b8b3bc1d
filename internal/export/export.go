// Package export writes a snapshot of the mirror as JSON or YAML.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// Format selects the encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatYAML:
		return Format(s), nil
	case "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown export format %q (want json or yaml)", s)
}

// Source is the part of the mirror an export reads. *db.DB implements it.
type Source interface {
	Dump(ctx context.Context) ([]*schema.Tab, []*schema.Task, error)
	DeviceID(ctx context.Context) (string, error)
	LastSyncAt(ctx context.Context) (*time.Time, error)
	Conflicts(ctx context.Context) ([]schema.ConflictData, error)
}

// Snapshot is the exported document. Tombstones and per-row sync status
// are included so the file shows exactly what the mirror holds.
type Snapshot struct {
	ExportedAt time.Time             `json:"exported_at" yaml:"exported_at"`
	DeviceID   string                `json:"device_id" yaml:"device_id"`
	LastSyncAt *time.Time            `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
	Tabs       []*schema.Tab         `json:"tabs" yaml:"tabs"`
	Tasks      []*schema.Task        `json:"tasks" yaml:"tasks"`
	Conflicts  []schema.ConflictData `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
}

// Build reads a snapshot from src.
func Build(ctx context.Context, src Source, now time.Time) (*Snapshot, error) {
	tabs, tasks, err := src.Dump(ctx)
	if err != nil {
		return nil, err
	}
	deviceID, err := src.DeviceID(ctx)
	if err != nil {
		return nil, err
	}
	lastSync, err := src.LastSyncAt(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := src.Conflicts(ctx)
	if err != nil {
		return nil, err
	}

	if tabs == nil {
		tabs = []*schema.Tab{}
	}
	if tasks == nil {
		tasks = []*schema.Task{}
	}
	return &Snapshot{
		ExportedAt: now.UTC(),
		DeviceID:   deviceID,
		LastSyncAt: lastSync,
		Tabs:       tabs,
		Tasks:      tasks,
		Conflicts:  conflicts,
	}, nil
}

// Write encodes snap to w.
func Write(w io.Writer, snap *Snapshot, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown export format %q", format)
}
