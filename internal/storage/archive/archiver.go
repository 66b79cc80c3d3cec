// internal/storage/archive/archiver.go
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/trenchcoat/enricher/internal/core"
)

const (
	recordsRoot = "records"
	batchesRoot = "batches"
)

// BatchReport is the archived summary of one batch run
type BatchReport struct {
	Stats core.BatchStats       `json:"stats"`
	Tasks []core.EnrichmentTask `json:"tasks"`
}

// Archiver lays out record snapshots and batch reports by UTC day:
//
//	records/2026/03/01/<token>.json
//	batches/2026/03/01/<run-id>.json
type Archiver struct {
	storage Storage
	clock   clock.Clock
}

// NewArchiver wraps a storage backend. A nil clock uses wall time.
func NewArchiver(storage Storage, clk clock.Clock) *Archiver {
	if clk == nil {
		clk = clock.New()
	}
	return &Archiver{storage: storage, clock: clk}
}

// RecordPath returns where a record enriched at t is stored
func RecordPath(tokenID string, t time.Time) string {
	return path.Join(recordsRoot, dayPath(t), sanitize(tokenID)+".json")
}

// BatchPath returns where a batch report started at t is stored
func BatchPath(runID string, t time.Time) string {
	return path.Join(batchesRoot, dayPath(t), sanitize(runID)+".json")
}

// SaveRecord writes a record snapshot and returns its path
func (a *Archiver) SaveRecord(ctx context.Context, rec core.UnifiedRecord) (string, error) {
	at := rec.EnrichedAt
	if at.IsZero() {
		at = a.clock.Now()
	}
	p := RecordPath(rec.TokenID, at)
	if err := a.writeJSON(ctx, p, rec); err != nil {
		return "", err
	}
	return p, nil
}

// SaveBatch writes a batch report and returns its path
func (a *Archiver) SaveBatch(ctx context.Context, report BatchReport) (string, error) {
	if report.Stats.RunID == "" {
		return "", fmt.Errorf("batch report has no run id")
	}
	at := report.Stats.StartedAt
	if at.IsZero() {
		at = a.clock.Now()
	}
	p := BatchPath(report.Stats.RunID, at)
	if err := a.writeJSON(ctx, p, report); err != nil {
		return "", err
	}
	return p, nil
}

// LoadBatch reads a batch report back
func (a *Archiver) LoadBatch(ctx context.Context, p string) (*BatchReport, error) {
	data, err := a.storage.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	var report BatchReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding batch report %s: %w", p, err)
	}
	return &report, nil
}

// LoadRecord reads a record snapshot back
func (a *Archiver) LoadRecord(ctx context.Context, p string) (*core.UnifiedRecord, error) {
	data, err := a.storage.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	var rec core.UnifiedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", p, err)
	}
	return &rec, nil
}

// Batches lists the batch reports archived on the given day
func (a *Archiver) Batches(ctx context.Context, day time.Time) ([]string, error) {
	return a.storage.List(ctx, path.Join(batchesRoot, dayPath(day))+"/")
}

func (a *Archiver) writeJSON(ctx context.Context, p string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", p, err)
	}
	if err := a.storage.Write(ctx, p, data); err != nil {
		return fmt.Errorf("archiving %s: %w", p, err)
	}
	return nil
}

func dayPath(t time.Time) string {
	return t.UTC().Format("2006/01/02")
}

// sanitize keeps ids usable as a single path segment
func sanitize(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(strings.TrimSpace(id))
}
