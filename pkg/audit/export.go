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

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
)

var (
	// ErrEmptyWorkflowID is returned when the export request names no workflow.
	ErrEmptyWorkflowID = errors.New("audit: workflow_id must not be empty")
	// ErrNoEvents is returned when the workflow has no recorded trail.
	ErrNoEvents = errors.New("audit: no events recorded for workflow")
)

// EventSource reads a workflow's persisted audit trail in sequence order.
type EventSource interface {
	ListAuditEvents(ctx context.Context, workflowID string) ([]*contracts.AuditEvent, error)
}

// EvidenceBundle describes one exported trail.
type EvidenceBundle struct {
	WorkflowID  string    `json:"workflow_id"`
	GeneratedAt time.Time `json:"generated_at"`
	EventCount  int       `json:"event_count"`
	ChainHead   string    `json:"chain_head"`
	Checksum    string    `json:"checksum"`
}

// Exporter packages a workflow's audit trail into a verifiable archive.
type Exporter struct {
	source EventSource
	clock  func() time.Time
}

// NewExporter creates an exporter over a trail source, typically the store.
func NewExporter(source EventSource) *Exporter {
	return &Exporter{source: source, clock: time.Now}
}

// Export reads the workflow's trail, verifies the hash chain, and returns a
// zip archive holding events.json plus a manifest, along with the bundle
// metadata. A trail that fails verification is not exported.
func (e *Exporter) Export(ctx context.Context, workflowID string) ([]byte, *EvidenceBundle, error) {
	if workflowID == "" {
		return nil, nil, ErrEmptyWorkflowID
	}
	events, err := e.source.ListAuditEvents(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if len(events) == 0 {
		return nil, nil, fmt.Errorf("workflow %q: %w", workflowID, ErrNoEvents)
	}
	if err := verifyScoped(events); err != nil {
		return nil, nil, err
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: marshal events: %w", err)
	}

	bundle := &EvidenceBundle{
		WorkflowID:  workflowID,
		GeneratedAt: e.clock().UTC(),
		EventCount:  len(events),
		ChainHead:   events[len(events)-1].EntryHash,
	}
	manifestJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, file := range []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
	} {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, nil, fmt.Errorf("audit: build archive: %w", err)
		}
		if _, err := f.Write(file.data); err != nil {
			return nil, nil, fmt.Errorf("audit: build archive: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("audit: build archive: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	bundle.Checksum = "sha256:" + hex.EncodeToString(sum[:])
	return buf.Bytes(), bundle, nil
}

// verifyScoped checks entry hashes and ordering for a per-workflow slice of
// the trail. Unlike VerifyChain it cannot anchor prev hashes at genesis,
// because the log interleaves workflows; each entry still proves its own
// integrity and the sequence numbers must be strictly increasing.
func verifyScoped(events []*contracts.AuditEvent) error {
	var lastSeq uint64
	for _, ev := range events {
		if hashEntry(ev) != ev.EntryHash {
			return fmt.Errorf("audit: entry hash mismatch at sequence %d", ev.Sequence)
		}
		if ev.Sequence <= lastSeq {
			return fmt.Errorf("audit: sequence order broken at %d", ev.Sequence)
		}
		lastSeq = ev.Sequence
	}
	return nil
}
