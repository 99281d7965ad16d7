package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mindburn-Labs/capstan/pkg/approval"
	"github.com/Mindburn-Labs/capstan/pkg/audit"
	"github.com/Mindburn-Labs/capstan/pkg/contracts"
	"github.com/Mindburn-Labs/capstan/pkg/policy"
	"github.com/Mindburn-Labs/capstan/pkg/registry"
	"github.com/Mindburn-Labs/capstan/pkg/store"
)

const testPolicyYAML = `
default: DENY
rules:
  - principal: "agent:*"
    when:
      capability: "test.denied"
    decision: DENY
  - principal: "agent:*"
    when:
      capability: "**"
    decision: ALLOW
`

// counters tracks handler invocations across a test.
type counters struct {
	provision   atomic.Int32
	deprovision atomic.Int32
	flakyFails  atomic.Int32
}

type harness struct {
	store *store.Store
	reg   *registry.Registry
	pol   *policy.Engine
	appr  *approval.Manager
	sink  *audit.MemorySink
	eng   *Engine
	count *counters
}

func mediumWriteCap(id string) contracts.CapabilitySpec {
	return contracts.CapabilitySpec{
		ID:            id,
		OperationType: contracts.OpWrite,
		SideEffects:   contracts.SideEffects{Reversible: true, Scope: contracts.ScopeLocal},
		Compensation: contracts.CompensationSpec{
			Supported: true,
			Strategy:  contracts.StrategyInverse,
		},
		Risk: contracts.RiskSpec{Level: contracts.RiskMedium},
	}
}

func newHarness(t *testing.T, dbPath string, opts ...approval.Option) *harness {
	t.Helper()
	st, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pol, err := policy.Parse([]byte(testPolicyYAML))
	if err != nil {
		t.Fatal(err)
	}

	count := &counters{}
	reg := registry.New()

	mustRegister := func(spec contracts.CapabilitySpec, h registry.HandlerFunc) {
		t.Helper()
		if err := reg.Register(spec, h); err != nil {
			t.Fatal(err)
		}
	}

	mustRegister(mediumWriteCap("test.provision"), func(_ context.Context, inputs map[string]any, _ registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
		n := count.provision.Add(1)
		rid := fmt.Sprintf("res-%d", n)
		comp := &contracts.CompensationDescriptor{
			CapabilityID: "test.deprovision",
			Inputs:       map[string]any{"resource_id": rid},
		}
		return map[string]any{"resource_id": rid}, comp, nil
	})
	mustRegister(mediumWriteCap("test.deprovision"), func(_ context.Context, _ map[string]any, _ registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
		count.deprovision.Add(1)
		return nil, nil, nil
	})
	mustRegister(mediumWriteCap("test.echo"), func(_ context.Context, inputs map[string]any, _ registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
		return map[string]any{"echoed": inputs["value"]}, nil, nil
	})
	mustRegister(mediumWriteCap("test.denied"), func(_ context.Context, _ map[string]any, _ registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
		t.Error("denied capability must never execute")
		return nil, nil, nil
	})
	mustRegister(mediumWriteCap("test.fail"), func(_ context.Context, _ map[string]any, _ registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
		return nil, nil, errors.New("backend unavailable")
	})
	mustRegister(mediumWriteCap("test.flaky"), func(_ context.Context, _ map[string]any, _ registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
		if count.flakyFails.Add(1) == 1 {
			return nil, nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil, nil
	})
	mustRegister(mediumWriteCap("test.badundo"), func(_ context.Context, _ map[string]any, _ registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
		comp := &contracts.CompensationDescriptor{
			CapabilityID: "test.fail",
			Inputs:       map[string]any{},
		}
		return nil, comp, nil
	})

	appr := approval.NewManager(st, opts...)
	sink := audit.NewMemorySink()
	auditLog := audit.New(audit.WithSink(sink))
	eng := New(st, reg, pol, appr, auditLog)

	return &harness{store: st, reg: reg, pol: pol, appr: appr, sink: sink, eng: eng, count: count}
}

func submitAndStart(t *testing.T, h *harness, spec *contracts.WorkflowSpec) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.eng.Submit(ctx, spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.eng.Start(ctx, id); err != nil {
		t.Fatal(err)
	}
	return id
}

func wantStatus(t *testing.T, h *harness, id string, want contracts.WorkflowStatus) *Snapshot {
	t.Helper()
	snap, err := h.eng.Status(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != want {
		t.Fatalf("status = %s, want %s (error: %s)", snap.Status, want, snap.ErrorMessage)
	}
	return snap
}

func twoStepSpec() *contracts.WorkflowSpec {
	return &contracts.WorkflowSpec{
		Name:    "provision-and-echo",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "provision", Kind: contracts.KindAction, Capability: "test.provision"},
			{
				Name:       "announce",
				Kind:       contracts.KindAction,
				Capability: "test.echo",
				DependsOn:  []string{"provision"},
				Inputs:     map[string]any{"value": "{{provision.resource_id}}"},
			},
		},
	}
}

func TestWorkflowCompletes(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	id := submitAndStart(t, h, twoStepSpec())

	snap := wantStatus(t, h, id, contracts.WorkflowCompleted)
	if len(snap.CompletedSteps) != 2 {
		t.Fatalf("completed = %v", snap.CompletedSteps)
	}
	if h.count.provision.Load() != 1 {
		t.Errorf("provision calls = %d", h.count.provision.Load())
	}
	if h.count.deprovision.Load() != 0 {
		t.Errorf("compensation ran on success")
	}

	// Templated input reached the second step with the first step's output.
	_, steps, comps, err := h.store.LoadWorkflow(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	var announce *store.StepRow
	for i := range steps {
		if steps[i].StepName == "announce" {
			announce = &steps[i]
		}
	}
	if announce == nil || announce.Inputs["value"] != "res-1" {
		t.Fatalf("announce inputs = %+v", announce)
	}

	// The intent-form compensation was persisted before anything failed,
	// and never executed.
	if len(comps) != 1 || comps[0].ExecutedAt != nil || comps[0].CompensationAction != "test.deprovision" {
		t.Fatalf("comps = %+v", comps)
	}
}

func TestSequentialStepsExecuteExactlyOnce(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	spec := &contracts.WorkflowSpec{
		Name:    "chain",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "first", Kind: contracts.KindAction, Capability: "test.provision"},
			{Name: "second", Kind: contracts.KindAction, Capability: "test.echo", DependsOn: []string{"first"}},
			{Name: "third", Kind: contracts.KindAction, Capability: "test.echo", DependsOn: []string{"second"}},
		},
	}
	id := submitAndStart(t, h, spec)

	snap := wantStatus(t, h, id, contracts.WorkflowCompleted)
	if len(snap.CompletedSteps) != 3 {
		t.Fatalf("completed = %v", snap.CompletedSteps)
	}
	if h.count.provision.Load() != 1 {
		t.Errorf("provision calls = %d, want 1", h.count.provision.Load())
	}

	// One COMPLETED row per step: a step that checkpointed must not come
	// back around for another pass.
	_, steps, _, err := h.store.LoadWorkflow(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	completedRows := map[string]int{}
	for i := range steps {
		if steps[i].Status == contracts.StepCompleted {
			completedRows[steps[i].StepName]++
		}
	}
	for _, name := range []string{"first", "second", "third"} {
		if completedRows[name] != 1 {
			t.Errorf("step %q completed rows = %d, want 1", name, completedRows[name])
		}
	}
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	spec := twoStepSpec()
	spec.Version = "latest"
	_, err := h.eng.Submit(context.Background(), spec)
	var sve *contracts.SpecValidationError
	if !errors.As(err, &sve) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartRequiresPendingStatus(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	id := submitAndStart(t, h, twoStepSpec())

	err := h.eng.Start(context.Background(), id)
	var ise *contracts.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("restart err = %v", err)
	}
}

func TestPolicyDenyRollsBack(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	spec := &contracts.WorkflowSpec{
		Name:    "deny-midway",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "provision", Kind: contracts.KindAction, Capability: "test.provision"},
			{Name: "blocked", Kind: contracts.KindAction, Capability: "test.denied", DependsOn: []string{"provision"}},
		},
	}
	id := submitAndStart(t, h, spec)

	snap := wantStatus(t, h, id, contracts.WorkflowRolledBack)
	if h.count.deprovision.Load() != 1 {
		t.Errorf("deprovision calls = %d, want 1", h.count.deprovision.Load())
	}
	if snap.ErrorMessage == "" {
		t.Error("terminal error message missing")
	}

	_, _, comps, err := h.store.LoadWorkflow(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 1 || comps[0].ExecutedAt == nil || comps[0].Success == nil || !*comps[0].Success {
		t.Fatalf("compensation not recorded as executed: %+v", comps)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	spec := &contracts.WorkflowSpec{
		Name:    "retry-succeeds",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "wobble", Kind: contracts.KindAction, Capability: "test.flaky"},
		},
	}
	id := submitAndStart(t, h, spec)
	wantStatus(t, h, id, contracts.WorkflowCompleted)
	if h.count.flakyFails.Load() != 2 {
		t.Errorf("attempts = %d, want 2", h.count.flakyFails.Load())
	}
}

func TestRetryExhaustionRollsBack(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	retries := 1
	spec := &contracts.WorkflowSpec{
		Name:    "exhausted",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "provision", Kind: contracts.KindAction, Capability: "test.provision"},
			{
				Name:       "doomed",
				Kind:       contracts.KindAction,
				Capability: "test.fail",
				DependsOn:  []string{"provision"},
				MaxRetries: &retries,
			},
		},
	}
	id := submitAndStart(t, h, spec)

	wantStatus(t, h, id, contracts.WorkflowRolledBack)
	if h.count.deprovision.Load() != 1 {
		t.Errorf("completed work not compensated")
	}
	_, steps, _, err := h.store.LoadWorkflow(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	var failedRow *store.StepRow
	for i := range steps {
		if steps[i].StepName == "doomed" {
			failedRow = &steps[i]
		}
	}
	if failedRow == nil || failedRow.Status != contracts.StepFailed {
		t.Fatalf("doomed step row = %+v", failedRow)
	}
}

func TestStepTimeoutAbandonsStalledHandler(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	release := make(chan struct{})
	err := h.reg.Register(mediumWriteCap("test.stall"), registry.HandlerFunc(
		func(context.Context, map[string]any, registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
			<-release
			return map[string]any{"late": true}, nil, nil
		}))
	if err != nil {
		t.Fatal(err)
	}

	retries := 0
	spec := &contracts.WorkflowSpec{
		Name:    "stalled",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{
				Name:           "stuck",
				Kind:           contracts.KindAction,
				Capability:     "test.stall",
				MaxRetries:     &retries,
				TimeoutSeconds: 1,
			},
		},
	}
	start := time.Now()
	id := submitAndStart(t, h, spec)

	// The deadline fails the attempt even though the handler never returns.
	snap := wantStatus(t, h, id, contracts.WorkflowRolledBack)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("engine blocked on the handler for %s", elapsed)
	}
	if !strings.Contains(snap.ErrorMessage, "abandoned") {
		t.Errorf("error = %q", snap.ErrorMessage)
	}

	// The handler's eventual success arrives after the verdict and must be
	// discarded, not promoted to a completed step.
	close(release)
	wantStatus(t, h, id, contracts.WorkflowRolledBack)
}

func TestHighRiskEscalatesToPauseThenApprove(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	ctx := context.Background()
	spec := &contracts.WorkflowSpec{
		Name:    "risky-deploy",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "provision", Kind: contracts.KindAction, Capability: "test.provision"},
			{
				Name:       "risky",
				Kind:       contracts.KindAction,
				Capability: "test.echo",
				DependsOn:  []string{"provision"},
				Inputs:     map[string]any{"value": "boom"},
				RiskLevel:  contracts.RiskHigh,
			},
		},
	}
	id := submitAndStart(t, h, spec)
	wantStatus(t, h, id, contracts.WorkflowPaused)

	pending, err := h.appr.GetPending(ctx, id, "risky")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending approvals = %+v", pending)
	}

	if err := h.eng.Resume(ctx, id, contracts.ApprovalApproved, "ops", "reviewed"); err != nil {
		t.Fatal(err)
	}
	snap := wantStatus(t, h, id, contracts.WorkflowCompleted)
	if len(snap.CompletedSteps) != 2 {
		t.Fatalf("completed = %v", snap.CompletedSteps)
	}
}

func TestResumeRejectionRollsBack(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	ctx := context.Background()
	spec := &contracts.WorkflowSpec{
		Name:    "rejected-deploy",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "provision", Kind: contracts.KindAction, Capability: "test.provision"},
			{
				Name:       "risky",
				Kind:       contracts.KindAction,
				Capability: "test.echo",
				DependsOn:  []string{"provision"},
				RiskLevel:  contracts.RiskCritical,
			},
		},
	}
	id := submitAndStart(t, h, spec)
	wantStatus(t, h, id, contracts.WorkflowPaused)

	if err := h.eng.Resume(ctx, id, contracts.ApprovalRejected, "ops", "too risky"); err != nil {
		t.Fatal(err)
	}
	wantStatus(t, h, id, contracts.WorkflowRolledBack)
	if h.count.deprovision.Load() != 1 {
		t.Errorf("rollback after rejection did not compensate")
	}
}

func TestHumanApprovalGate(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	ctx := context.Background()
	spec := &contracts.WorkflowSpec{
		Name:    "gated",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "provision", Kind: contracts.KindAction, Capability: "test.provision"},
			{Name: "signoff", Kind: contracts.KindHumanApproval, Message: "ship it?", DependsOn: []string{"provision"}},
			{Name: "announce", Kind: contracts.KindAction, Capability: "test.echo", DependsOn: []string{"signoff"}},
		},
	}
	id := submitAndStart(t, h, spec)
	wantStatus(t, h, id, contracts.WorkflowPaused)

	if err := h.eng.Resume(ctx, id, contracts.ApprovalApproved, "ops", ""); err != nil {
		t.Fatal(err)
	}
	snap := wantStatus(t, h, id, contracts.WorkflowCompleted)
	if len(snap.CompletedSteps) != 3 {
		t.Fatalf("completed = %v", snap.CompletedSteps)
	}
}

func TestResumeRequiresPausedStatus(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	id := submitAndStart(t, h, twoStepSpec())
	err := h.eng.Resume(context.Background(), id, contracts.ApprovalApproved, "ops", "")
	var ise *contracts.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("err = %v", err)
	}
}

func TestCancelPausedWorkflow(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	ctx := context.Background()
	spec := &contracts.WorkflowSpec{
		Name:    "cancel-me",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "provision", Kind: contracts.KindAction, Capability: "test.provision"},
			{Name: "signoff", Kind: contracts.KindHumanApproval, DependsOn: []string{"provision"}},
		},
	}
	id := submitAndStart(t, h, spec)
	wantStatus(t, h, id, contracts.WorkflowPaused)

	if err := h.eng.Cancel(ctx, id, "window closed"); err != nil {
		t.Fatal(err)
	}
	snap := wantStatus(t, h, id, contracts.WorkflowCanceled)
	if h.count.deprovision.Load() != 1 {
		t.Errorf("cancellation did not compensate completed work")
	}
	if snap.ErrorMessage == "" {
		t.Error("cancel reason not recorded")
	}
}

func TestPartialRollbackIsFlagged(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	spec := &contracts.WorkflowSpec{
		Name:    "partial",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "provision", Kind: contracts.KindAction, Capability: "test.provision"},
			{Name: "fragile", Kind: contracts.KindAction, Capability: "test.badundo", DependsOn: []string{"provision"}},
			{Name: "doomed", Kind: contracts.KindAction, Capability: "test.denied", DependsOn: []string{"fragile"}},
		},
	}
	id := submitAndStart(t, h, spec)

	snap := wantStatus(t, h, id, contracts.WorkflowRolledBack)
	if !strings.Contains(snap.ErrorMessage, "partial_rollback=true") {
		t.Fatalf("error = %q", snap.ErrorMessage)
	}
	// The failing undo did not stop the rest of the stack.
	if h.count.deprovision.Load() != 1 {
		t.Errorf("remaining compensations skipped")
	}
}

func TestAutoRollbackDisabledStaysFailed(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	off := false
	spec := &contracts.WorkflowSpec{
		Name:         "no-rollback",
		Version:      "1.0.0",
		Owner:        "tester",
		AutoRollback: &off,
		Steps: []contracts.StepSpec{
			{Name: "provision", Kind: contracts.KindAction, Capability: "test.provision"},
			{Name: "doomed", Kind: contracts.KindAction, Capability: "test.denied", DependsOn: []string{"provision"}},
		},
	}
	id := submitAndStart(t, h, spec)
	wantStatus(t, h, id, contracts.WorkflowFailed)
	if h.count.deprovision.Load() != 0 {
		t.Errorf("compensation ran despite auto_rollback: false")
	}
}

func TestParallelGroupCompletes(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	spec := &contracts.WorkflowSpec{
		Name:    "fanout",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{
				Name: "copy_all",
				Kind: contracts.KindParallel,
				Steps: []contracts.StepSpec{
					{Name: "copy_a", Kind: contracts.KindAction, Capability: "test.echo", Inputs: map[string]any{"value": "a"}},
					{Name: "copy_b", Kind: contracts.KindAction, Capability: "test.echo", Inputs: map[string]any{"value": "b"}},
				},
			},
			{Name: "after", Kind: contracts.KindAction, Capability: "test.echo", DependsOn: []string{"copy_all"}},
		},
	}
	id := submitAndStart(t, h, spec)
	snap := wantStatus(t, h, id, contracts.WorkflowCompleted)
	// Group, both sub-steps, and the follow-up.
	if len(snap.CompletedSteps) != 4 {
		t.Fatalf("completed = %v", snap.CompletedSteps)
	}
}

func TestParallelGroupFailureRollsBackSiblings(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	retries := 0
	spec := &contracts.WorkflowSpec{
		Name:    "fanout-fails",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "provision", Kind: contracts.KindAction, Capability: "test.provision"},
			{
				Name:      "group",
				Kind:      contracts.KindParallel,
				DependsOn: []string{"provision"},
				Steps: []contracts.StepSpec{
					{Name: "ok_branch", Kind: contracts.KindAction, Capability: "test.echo"},
					{Name: "bad_branch", Kind: contracts.KindAction, Capability: "test.fail", MaxRetries: &retries},
				},
			},
		},
	}
	id := submitAndStart(t, h, spec)
	wantStatus(t, h, id, contracts.WorkflowRolledBack)
	if h.count.deprovision.Load() != 1 {
		t.Errorf("work before the group was not compensated")
	}
}

func TestCrashRecoveryDoesNotReexecuteSteps(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	h1 := newHarness(t, dbPath)
	ctx := context.Background()

	spec := &contracts.WorkflowSpec{
		Name:    "survives-crash",
		Version: "1.0.0",
		Owner:   "tester",
		Steps: []contracts.StepSpec{
			{Name: "provision", Kind: contracts.KindAction, Capability: "test.provision"},
			{Name: "signoff", Kind: contracts.KindHumanApproval, DependsOn: []string{"provision"}},
			{Name: "announce", Kind: contracts.KindAction, Capability: "test.echo", DependsOn: []string{"signoff"}},
		},
	}
	id := submitAndStart(t, h1, spec)
	wantStatus(t, h1, id, contracts.WorkflowPaused)

	// A new process: fresh engine over the same database file.
	h2 := newHarness(t, dbPath)
	if err := h2.eng.RecoverOnStartup(ctx); err != nil {
		t.Fatal(err)
	}
	wantStatus(t, h2, id, contracts.WorkflowPaused)

	if err := h2.eng.Resume(ctx, id, contracts.ApprovalApproved, "ops", "after restart"); err != nil {
		t.Fatal(err)
	}
	snap := wantStatus(t, h2, id, contracts.WorkflowCompleted)
	if len(snap.CompletedSteps) != 3 {
		t.Fatalf("completed = %v", snap.CompletedSteps)
	}
	// The first step ran in "process one" only.
	if h2.count.provision.Load() != 0 {
		t.Errorf("completed step re-executed after recovery: %d", h2.count.provision.Load())
	}
}

func TestRecoveryFinishesInterruptedRollback(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rb.db")
	h := newHarness(t, dbPath)
	ctx := context.Background()

	// Fabricate the on-disk remnants of a crash after FAILED was recorded
	// but before the pending compensation ran.
	spec := twoStepSpec()
	specYAML, err := spec.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.CreateWorkflow(ctx, "wf-crash", spec.Name, spec.Version, spec.Owner, string(specYAML)); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := h.store.CheckpointStep(ctx, "wf-crash", store.StepCheckpoint{
		StepName: "provision", Status: contracts.StepCompleted,
		Outputs: map[string]any{"resource_id": "res-9"}, StartedAt: now, CompletedAt: &now,
	}, []store.PendingCompensation{{
		StepName: "provision", CapabilityID: "test.deprovision",
		Inputs: map[string]any{"resource_id": "res-9"},
	}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.store.UpdateWorkflowStatus(ctx, "wf-crash", contracts.WorkflowFailed, "step \"announce\": backend unavailable", nil); err != nil {
		t.Fatal(err)
	}

	if err := h.eng.RecoverOnStartup(ctx); err != nil {
		t.Fatal(err)
	}
	wantStatus(t, h, "wf-crash", contracts.WorkflowRolledBack)
	if h.count.deprovision.Load() != 1 {
		t.Errorf("pending compensation not replayed: %d", h.count.deprovision.Load())
	}
}

func TestRecoveryKeepsCanceledTerminal(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "cancel.db"))
	ctx := context.Background()

	// Remnants of a crash mid-way through a cancellation rollback: FAILED
	// with a cancel cause on record and the compensation still pending.
	spec := twoStepSpec()
	specYAML, err := spec.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.CreateWorkflow(ctx, "wf-cancel", spec.Name, spec.Version, spec.Owner, string(specYAML)); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := h.store.CheckpointStep(ctx, "wf-cancel", store.StepCheckpoint{
		StepName: "provision", Status: contracts.StepCompleted,
		Outputs: map[string]any{"resource_id": "res-9"}, StartedAt: now, CompletedAt: &now,
	}, []store.PendingCompensation{{
		StepName: "provision", CapabilityID: "test.deprovision",
		Inputs: map[string]any{"resource_id": "res-9"},
	}}, nil); err != nil {
		t.Fatal(err)
	}
	cause := fmt.Sprintf("%s: operator request", contracts.ErrCanceled)
	if err := h.store.UpdateWorkflowStatus(ctx, "wf-cancel", contracts.WorkflowFailed, cause, nil); err != nil {
		t.Fatal(err)
	}

	if err := h.eng.RecoverOnStartup(ctx); err != nil {
		t.Fatal(err)
	}
	wantStatus(t, h, "wf-cancel", contracts.WorkflowCanceled)
	if h.count.deprovision.Load() != 1 {
		t.Errorf("pending compensation not replayed: %d", h.count.deprovision.Load())
	}
}

func TestFrozenCapabilityRejectsNewRuns(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	if err := h.reg.Freeze("test.provision"); err != nil {
		t.Fatal(err)
	}
	id := submitAndStart(t, h, twoStepSpec())
	snap := wantStatus(t, h, id, contracts.WorkflowRolledBack)
	if !strings.Contains(snap.ErrorMessage, "frozen") {
		t.Errorf("error = %q", snap.ErrorMessage)
	}
	if h.count.provision.Load() != 0 {
		t.Error("frozen capability executed")
	}
}

// failNotifier always reports delivery failure.
type failNotifier struct{}

func (failNotifier) Notify(context.Context, approval.WebhookEnvelope) error {
	return errors.New("endpoint down")
}

func TestWebhookFailModeAllowContinues(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"),
		approval.WithNotifier(failNotifier{}), approval.WithFailMode(approval.FailModeAllow))
	spec := twoStepSpec()
	spec.Steps[1].RiskLevel = contracts.RiskHigh
	id := submitAndStart(t, h, spec)
	wantStatus(t, h, id, contracts.WorkflowCompleted)
}

func TestWebhookFailModeDenyRollsBack(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"),
		approval.WithNotifier(failNotifier{}), approval.WithFailMode(approval.FailModeDeny))
	spec := twoStepSpec()
	spec.Steps[1].RiskLevel = contracts.RiskHigh
	id := submitAndStart(t, h, spec)
	wantStatus(t, h, id, contracts.WorkflowRolledBack)
	if h.count.deprovision.Load() != 1 {
		t.Errorf("DENY fail mode did not roll back")
	}
}

func TestWebhookFailModePauseStaysPaused(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"),
		approval.WithNotifier(failNotifier{}))
	spec := twoStepSpec()
	spec.Steps[1].RiskLevel = contracts.RiskHigh
	id := submitAndStart(t, h, spec)
	wantStatus(t, h, id, contracts.WorkflowPaused)
}

func TestAuditTrailVerifies(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "e.db"))
	submitAndStart(t, h, twoStepSpec())
	if err := audit.VerifyChain(h.sink.Events()); err != nil {
		t.Fatal(err)
	}
	if len(h.sink.Events()) < 4 {
		t.Errorf("expected transitions and step results, got %d events", len(h.sink.Events()))
	}
}

