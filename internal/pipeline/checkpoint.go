package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const checkpointFilename = "checkpoint.json"

// Checkpoint is the persisted run snapshot, sufficient to resume after the
// most recently completed non-skipped node.
type Checkpoint struct {
	Timestamp      time.Time          `json:"timestamp"`
	CurrentNode    string             `json:"current_node"`
	CompletedNodes []string           `json:"completed_nodes"`
	NodeRetries    map[string]int     `json:"node_retries"`
	NodeOutcomes   map[string]Outcome `json:"node_outcomes"`
	ContextValues  map[string]any     `json:"context_values"`
	Logs           []string           `json:"logs"`
}

// SaveCheckpoint writes the checkpoint under the logs root as a whole-file
// overwrite, flushed to disk before returning.
func SaveCheckpoint(logsRoot string, cp *Checkpoint) error {
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return fmt.Errorf("create logs root: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	path := filepath.Join(logsRoot, checkpointFilename)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	return f.Close()
}

// LoadCheckpoint reads the checkpoint under the logs root. A missing file
// returns (nil, nil) so callers can fall back to a fresh start.
func LoadCheckpoint(logsRoot string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(logsRoot, checkpointFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Manifest describes a run; written once at run start under the logs root.
type Manifest struct {
	Name      string    `json:"name"`
	Goal      string    `json:"goal,omitempty"`
	Label     string    `json:"label,omitempty"`
	StartTime time.Time `json:"start_time"`
	NodeCount int       `json:"node_count"`
	EdgeCount int       `json:"edge_count"`
}

// WriteManifest persists the run manifest under the logs root.
func WriteManifest(logsRoot string, m *Manifest) error {
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return fmt.Errorf("create logs root: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(logsRoot, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
