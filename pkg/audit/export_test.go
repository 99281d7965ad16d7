package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
)

// memorySource serves a per-workflow slice of a shared log, the way the
// store's audit table does.
type memorySource struct {
	events []*contracts.AuditEvent
}

func (s *memorySource) ListAuditEvents(_ context.Context, workflowID string) ([]*contracts.AuditEvent, error) {
	var out []*contracts.AuditEvent
	for _, ev := range s.events {
		if ev.WorkflowID == workflowID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func recordedTrail(t *testing.T) *memorySource {
	t.Helper()
	sink := NewMemorySink()
	l := New(WithSink(sink))
	ctx := context.Background()
	l.Append(ctx, contracts.AuditWorkflowTransition, "engine", "wf-a", "", map[string]any{"status": "RUNNING"})
	l.Append(ctx, contracts.AuditStepResult, "agent", "wf-b", "other", nil)
	l.Append(ctx, contracts.AuditStepResult, "agent", "wf-a", "write", map[string]any{"status": "COMPLETED"})
	l.Append(ctx, contracts.AuditWorkflowTransition, "engine", "wf-a", "", map[string]any{"status": "COMPLETED"})
	return &memorySource{events: sink.Events()}
}

func TestExportBuildsVerifiableArchive(t *testing.T) {
	src := recordedTrail(t)
	archive, bundle, err := NewExporter(src).Export(context.Background(), "wf-a")
	require.NoError(t, err)
	require.NotNil(t, bundle)

	assert.Equal(t, "wf-a", bundle.WorkflowID)
	assert.Equal(t, 3, bundle.EventCount)
	assert.NotEmpty(t, bundle.ChainHead)
	assert.Contains(t, bundle.Checksum, "sha256:")

	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range r.File {
		names[f.Name] = true
	}
	assert.True(t, names["events.json"])
	assert.True(t, names["manifest.json"])

	f, err := r.Open("events.json")
	require.NoError(t, err)
	defer f.Close()
	var events []*contracts.AuditEvent
	require.NoError(t, json.NewDecoder(f).Decode(&events))
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "wf-a", ev.WorkflowID)
	}
}

func TestExportRejectsTamperedTrail(t *testing.T) {
	src := recordedTrail(t)
	for _, ev := range src.events {
		if ev.WorkflowID == "wf-a" && ev.StepName == "write" {
			ev.PayloadHash = "sha256:forged"
		}
	}
	_, _, err := NewExporter(src).Export(context.Background(), "wf-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestExportEmptyTrail(t *testing.T) {
	src := &memorySource{}
	_, _, err := NewExporter(src).Export(context.Background(), "wf-missing")
	require.ErrorIs(t, err, ErrNoEvents)

	_, _, err = NewExporter(src).Export(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyWorkflowID)
}
