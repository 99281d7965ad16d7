// Package audit implements the append-only audit trail: every policy
// decision, state transition, step result, and compensation outcome is
// recorded as a hash-chained entry. Payloads are canonicalized with JCS
// (RFC 8785) before hashing so the chain is deterministic, and sensitive
// parameter values are masked before anything is written.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
)

const genesisHash = "genesis"

// Sink receives entries as they are appended. Sink failures are logged and
// do not fail the append; the in-memory chain is the source of integrity.
type Sink interface {
	Write(ctx context.Context, ev *contracts.AuditEvent) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev *contracts.AuditEvent) error

// Write implements Sink.
func (f SinkFunc) Write(ctx context.Context, ev *contracts.AuditEvent) error { return f(ctx, ev) }

// Log is a hash-chained, append-only audit log.
type Log struct {
	mu     sync.Mutex
	seq    uint64
	head   string
	sinks  []Sink
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithSink attaches a sink. Sinks are invoked in registration order.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, s) }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithHead resumes a persisted chain: seq is the last recorded sequence
// number and head its entry hash. Without it a restarted process would
// begin a second chain at genesis over the same trail.
func WithHead(seq uint64, head string) Option {
	return func(l *Log) {
		if head != "" {
			l.seq = seq
			l.head = head
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New creates an empty log with its chain head at genesis.
func New(opts ...Option) *Log {
	l := &Log{
		head:   genesisHash,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records one event. The payload is sanitized, canonicalized, and
// hashed; the entry hash chains over the previous entry. Append never
// fails: a payload that cannot be serialized is recorded with an error
// placeholder rather than dropped.
func (l *Log) Append(ctx context.Context, kind contracts.AuditEventKind, actor, workflowID, stepName string, payload map[string]any) *contracts.AuditEvent {
	sanitized := contracts.SanitizePayload(payload)
	payloadHash := hashPayload(sanitized)

	l.mu.Lock()
	l.seq++
	ev := &contracts.AuditEvent{
		ID:          uuid.New().String(),
		Sequence:    l.seq,
		Kind:        kind,
		Actor:       actor,
		WorkflowID:  workflowID,
		StepName:    stepName,
		Payload:     sanitized,
		PayloadHash: payloadHash,
		PrevHash:    l.head,
		Timestamp:   l.clock().UTC(),
	}
	ev.EntryHash = hashEntry(ev)
	l.head = ev.EntryHash
	sinks := l.sinks
	l.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Write(ctx, ev); err != nil {
			l.logger.Warn("audit sink write failed", "sequence", ev.Sequence, "error", err)
		}
	}
	return ev
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// VerifyChain walks a slice of events in sequence order and reports the
// first break in the hash chain, if any.
func VerifyChain(events []*contracts.AuditEvent) error {
	prev := genesisHash
	for _, ev := range events {
		if ev.PrevHash != prev {
			return fmt.Errorf("audit: chain broken at sequence %d: prev hash %q, expected %q",
				ev.Sequence, ev.PrevHash, prev)
		}
		if hashEntry(ev) != ev.EntryHash {
			return fmt.Errorf("audit: entry hash mismatch at sequence %d", ev.Sequence)
		}
		prev = ev.EntryHash
	}
	return nil
}

func hashPayload(payload map[string]any) string {
	if payload == nil {
		return sha256Hex(nil)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return sha256Hex([]byte("unserializable payload"))
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	return sha256Hex(canonical)
}

func hashEntry(ev *contracts.AuditEvent) string {
	material := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%d",
		ev.Sequence, ev.Kind, ev.Actor, ev.WorkflowID, ev.StepName,
		ev.PayloadHash, ev.PrevHash, ev.Timestamp.UnixNano())
	return sha256Hex([]byte(material))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// MemorySink retains events in memory, mainly for tests and diagnostics.
type MemorySink struct {
	mu     sync.Mutex
	events []*contracts.AuditEvent
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, ev *contracts.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a snapshot of everything written so far.
func (s *MemorySink) Events() []*contracts.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*contracts.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}
