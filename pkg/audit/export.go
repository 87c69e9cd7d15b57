package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyWorkspaceID is returned when the export has no workspace.
	ErrEmptyWorkspaceID = errors.New("audit: workspace_id must not be empty")
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrQuerierNotConfigured is returned when export is invoked without a backing store.
	ErrQuerierNotConfigured = errors.New("audit: querier not configured (fail-closed)")
)

// ExportRequest defines what to export.
type ExportRequest struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// Exporter builds evidence packs: a zip of the selected events with a
// manifest, plus the SHA-256 of the archive.
type Exporter struct {
	q   Querier
	now func() time.Time
}

func NewExporter(q Querier) *Exporter {
	return &Exporter{q: q, now: time.Now}
}

// GeneratePack returns the zip bytes and their hex checksum.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.WorkspaceID == uuid.Nil {
		return nil, "", ErrEmptyWorkspaceID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.q == nil {
		return nil, "", ErrQuerierNotConfigured
	}

	events, err := e.q.Query(ctx, Filter{
		WorkspaceID: req.WorkspaceID,
		Start:       req.StartTime,
		End:         req.EndTime,
	})
	if err != nil {
		return nil, "", err
	}
	if events == nil {
		events = []Event{}
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal events: %w", err)
	}
	eventsSum := sha256.Sum256(eventsJSON)

	generated := e.now().UTC()
	failures := 0
	for _, ev := range events {
		if !ev.Success {
			failures++
		}
	}
	manifest := map[string]interface{}{
		"workspace_id":  req.WorkspaceID.String(),
		"generated_at":  generated,
		"event_count":   len(events),
		"failure_count": failures,
		"events_sha256": hex.EncodeToString(eventsSum[:]),
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("Evidence pack for workspace %s\nGenerated at %s\n",
			req.WorkspaceID, generated.Format(time.RFC3339)))},
	}
	for _, f := range files {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
